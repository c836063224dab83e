package storage

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rekaland/tablesync/changefeed"
)

const gitRecordExt = ".json"

// GitRepository stores rows as JSON files named <table>/<id>.json in a git
// working tree. Every write is a commit; Watch diffs the trees of
// successive HEAD commits.
type GitRepository struct {
	repo *git.Repository

	// serialises worktree writes
	mu sync.Mutex

	name         string
	email        string
	push         bool
	syncInterval time.Duration
	clock        clock.Clock
	errorChannel chan<- error
}

type GitRepositoryConfig struct {
	RepoPath string

	// optional
	Name         string
	Email        string
	Push         bool
	SyncInterval time.Duration
	Clock        clock.Clock
	ErrorChan    chan<- error
}

// NewGitRepository opens the repository at RepoPath, initialising it when
// it does not exist yet.
func NewGitRepository(config GitRepositoryConfig) (*GitRepository, error) {
	repo, err := git.PlainOpen(config.RepoPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(config.RepoPath, false)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "opening repository %s", config.RepoPath)
	}

	if config.Name == "" {
		config.Name = "tablesync"
	}
	if config.Email == "" {
		config.Email = "tablesync@localhost"
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}

	return &GitRepository{
		repo:         repo,
		name:         config.Name,
		email:        config.Email,
		push:         config.Push,
		syncInterval: config.SyncInterval,
		clock:        config.Clock,
		errorChannel: config.ErrorChan,
	}, nil
}

func (r *GitRepository) forwardError(err error) {
	logger.Errorf("git store: %v", err)
	if r.errorChannel != nil {
		r.errorChannel <- err
	}
}

// head returns the HEAD commit, or nil for a repository without commits.
func (r *GitRepository) head() (*object.Commit, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "failed to retrieve HEAD reference")
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, errors.Annotate(err, "failed to retrieve commit")
	}
	return commit, nil
}

func (r *GitRepository) ListTables() ([]Table, error) {
	commit, err := r.head()
	if err != nil || commit == nil {
		return nil, errors.Trace(err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.Annotate(err, "failed to retrieve tree")
	}

	counts := make(map[string]int)
	err = tree.Files().ForEach(func(file *object.File) error {
		if table, _, ok := splitRecordPath(file.Name); ok {
			counts[table]++
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to enumerate files")
	}

	tables := make([]Table, 0, len(counts))
	for name, rows := range counts {
		tables = append(tables, Table{Name: name, Rows: rows})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

// Fetch reads the committed rows of table. UpdatedAt is the time of the
// HEAD commit.
func (r *GitRepository) Fetch(table string, filters ...changefeed.Filter) ([]Record, error) {
	commit, err := r.head()
	if err != nil || commit == nil {
		return nil, errors.Trace(err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.Annotate(err, "failed to retrieve tree")
	}

	var records []Record
	err = tree.Files().ForEach(func(file *object.File) error {
		t, id, ok := splitRecordPath(file.Name)
		if !ok || t != table {
			return nil
		}
		values, err := decodeFile(file)
		if err != nil {
			return errors.Trace(err)
		}
		rec := Record{Table: table, ID: id, Values: values, UpdatedAt: commit.Committer.When}
		if matchesAll(rec, filters) {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	sortRecords(records)
	return records, nil
}

func (r *GitRepository) Watch(ctx context.Context, table string) (<-chan changefeed.Event, error) {
	last, err := r.head()
	if err != nil {
		return nil, errors.Trace(err)
	}

	out := make(chan changefeed.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(r.syncInterval):
			}

			current, err := r.head()
			if err != nil {
				r.forwardError(err)
				return
			}
			// no update has been made since the last poll
			if current == nil || (last != nil && current.Hash == last.Hash) {
				continue
			}

			events, err := diffCommits(table, last, current)
			if err != nil {
				r.forwardError(err)
				return
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			last = current
		}
	}()
	return out, nil
}

// diffCommits returns the changes to table between two commits. A nil
// from commit means the empty tree.
func diffCommits(table string, from, to *object.Commit) ([]changefeed.Event, error) {
	var fromTree *object.Tree
	if from != nil {
		var err error
		if fromTree, err = from.Tree(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, errors.Trace(err)
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, errors.Annotate(err, "diffing trees")
	}

	var events []changefeed.Event
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, errors.Trace(err)
		}
		name := change.To.Name
		if action == merkletrie.Delete {
			name = change.From.Name
		}
		t, id, ok := splitRecordPath(name)
		if !ok || t != table {
			continue
		}

		before, after, err := change.Files()
		if err != nil {
			return nil, errors.Trace(err)
		}
		ev := changefeed.Event{Table: table, ID: id, CommitTime: to.Committer.When}
		switch action {
		case merkletrie.Insert:
			ev.Type = changefeed.Insert
		case merkletrie.Modify:
			ev.Type = changefeed.Update
		case merkletrie.Delete:
			ev.Type = changefeed.Delete
		}
		if after != nil {
			if ev.Record, err = decodeFile(after); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if before != nil {
			if ev.OldRecord, err = decodeFile(before); err != nil {
				return nil, errors.Trace(err)
			}
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (r *GitRepository) Put(rec *Record) error {
	if err := validateKey(rec.Table, rec.ID); err != nil {
		return errors.Trace(err)
	}
	content, err := json.MarshalIndent(rec.Values, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.repo.Worktree()
	if err != nil {
		return errors.Trace(err)
	}
	file := recordPath(rec.Table, rec.ID)
	f, err := w.Filesystem.Create(file)
	if err != nil {
		return errors.Annotatef(err, "creating %s", file)
	}
	if _, err := f.Write(append(content, '\n')); err != nil {
		_ = f.Close()
		return errors.Annotatef(err, "writing %s", file)
	}
	if err := f.Close(); err != nil {
		return errors.Trace(err)
	}

	if _, err := w.Add(file); err != nil {
		return errors.Annotatef(err, "staging %s", file)
	}
	return r.commit(w, "Update "+file)
}

func (r *GitRepository) Delete(table, id string) error {
	if err := validateKey(table, id); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.repo.Worktree()
	if err != nil {
		return errors.Trace(err)
	}
	file := recordPath(table, id)
	if _, err := w.Filesystem.Stat(file); os.IsNotExist(err) {
		return nil
	}
	if _, err := w.Remove(file); err != nil {
		return errors.Annotatef(err, "removing %s", file)
	}
	return r.commit(w, "Delete "+file)
}

func (r *GitRepository) commit(w *git.Worktree, message string) error {
	// Deleting the last row leaves an empty index, which go-git refuses
	// to commit unless asked.
	_, err := w.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.name,
			Email: r.email,
			When:  r.clock.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return errors.Annotate(err, "committing")
	}
	if !r.push {
		return nil
	}

	// Push the changes to the remote repository
	err = r.repo.Push(&git.PushOptions{})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return errors.Annotate(err, "pushing")
}

func recordPath(table, id string) string {
	return path.Join(table, id+gitRecordExt)
}

func splitRecordPath(name string) (table, id string, ok bool) {
	dir, file := path.Split(name)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || strings.Contains(dir, "/") || !strings.HasSuffix(file, gitRecordExt) {
		return "", "", false
	}
	return dir, strings.TrimSuffix(file, gitRecordExt), true
}

func decodeFile(file *object.File) (map[string]any, error) {
	content, err := file.Contents()
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", file.Name)
	}
	values, err := decodeDoc(content)
	return values, errors.Annotatef(err, "decoding %s", file.Name)
}
