package configfeed

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path into cfg via Load whenever the file changes on disk,
// calling onReload after each successful reload (and onError, if non-nil,
// after a failed one). It runs until stop is closed. Editors that write via
// rename-and-replace (vim, many IDEs) drop the original inode's watch, so a
// Remove/Rename event re-establishes the watch on path rather than treating
// it as fatal.
func Watch(path string, cfg any, onReload func(), onError func(error), stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configfeed: watch: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("configfeed: watch %q: %w", path, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					// give the editor a moment to finish writing the replacement
					// file before re-adding the watch.
					time.Sleep(50 * time.Millisecond)
					_ = w.Add(path)
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := Load(path, cfg); err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onReload != nil {
					onReload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return nil
}
