package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/receipts-go/internal/tokenfile"
)

// File is a Store backed by a credential file. The pair is cached in memory
// and written through on every Set/Clear. Watch keeps the cache in step with
// writes made by other processes (a `login` in another terminal).
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	pair    Pair
	account string
}

// OpenFile loads the credential file at path. A missing file yields an empty
// store, not an error.
func OpenFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f := &File{path: path, logger: logger}
	if err := f.reload(); err != nil {
		return nil, err
	}

	return f, nil
}

// Path returns the credential file location.
func (f *File) Path() string {
	return f.path
}

// Account returns the account name saved with the credentials.
func (f *File) Account() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.account
}

// SetAccount records the account name written alongside the next Set.
func (f *File) SetAccount(account string) {
	f.mu.Lock()
	f.account = account
	f.mu.Unlock()
}

// Get returns the cached pair.
func (f *File) Get() (Pair, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.pair, !f.pair.Empty()
}

// Set persists p and then swaps it into the cache. An empty pair clears.
func (f *File) Set(p Pair) error {
	if err := p.validate(); err != nil {
		return err
	}

	if p.Empty() {
		return f.Clear()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tok := &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
	}

	if exp, ok := tokenExpiry(p.AccessToken); ok {
		tok.Expiry = exp
	}

	if err := tokenfile.Save(f.path, tok, f.account); err != nil {
		return fmt.Errorf("credstore: saving credentials: %w", err)
	}

	f.pair = p

	return nil
}

// Clear deletes the credential file and empties the cache. If the file
// cannot be removed the cache is left as is, so the two never disagree.
func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := tokenfile.Remove(f.path); err != nil {
		return fmt.Errorf("credstore: clearing credentials: %w", err)
	}

	f.pair = Pair{}

	return nil
}

// IsExpired reports whether token has passed its exp claim.
func (f *File) IsExpired(token string) bool {
	return TokenExpired(token, time.Now())
}

func (f *File) reload() error {
	tf, err := tokenfile.Load(f.path)
	if err != nil {
		return fmt.Errorf("credstore: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if tf == nil {
		f.pair = Pair{}
		return nil
	}

	f.pair = Pair{
		AccessToken:  tf.Credentials.AccessToken,
		RefreshToken: tf.Credentials.RefreshToken,
	}
	f.account = tf.Account

	return nil
}

// Watch reloads the cache whenever the credential file changes on disk. It
// blocks until ctx is canceled. The parent directory is watched because the
// file is replaced by rename, which drops a watch on the file itself.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credstore: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("credstore: watching %s: %w", dir, err)
	}

	name := filepath.Base(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(ev.Name) != name {
				continue
			}

			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}

			if err := f.reload(); err != nil {
				f.logger.Warn("credential file changed but could not be reloaded",
					slog.String("path", f.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			f.logger.Debug("credential file reloaded",
				slog.String("path", f.path),
				slog.String("op", ev.Op.String()),
			)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				_ = f.reload()
				continue
			}

			f.logger.Warn("credential watcher error", slog.String("error", werr.Error()))
		}
	}
}
