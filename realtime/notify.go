package realtime

import (
	"fmt"

	"github.com/rekaland/tablesync/changefeed"
)

// Level classifies a notification for display.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelError:
		return "error"
	}
	return "info"
}

// Notification is a short user facing message, shown by the admin UI as a
// toast.
type Notification struct {
	Level       Level
	Title       string
	Description string
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to the package logger.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	switch n.Level {
	case LevelError:
		logger.Errorf("%s: %s", n.Title, n.Description)
	default:
		logger.Infof("%s: %s", n.Title, n.Description)
	}
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notification) {}

// ChangeNotification derives the notification shown for a remote change.
func ChangeNotification(ev changefeed.Event) Notification {
	switch ev.Type {
	case changefeed.Insert:
		return Notification{Level: LevelInfo, Title: "Data added", Description: fmt.Sprintf("A new row was added to %s.", ev.Table)}
	case changefeed.Delete:
		return Notification{Level: LevelInfo, Title: "Data removed", Description: fmt.Sprintf("A row was removed from %s.", ev.Table)}
	}
	return Notification{Level: LevelInfo, Title: "Data updated", Description: fmt.Sprintf("A row in %s was updated.", ev.Table)}
}
