package memlive

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchControlFile applies the control file to the collector now and on
// every later write to it, letting an operator toggle sampling in a
// running process. The file holds "key=value" lines:
//
//	sampling=on|off
//	reset=1        (zero the counters each time the file is applied with this line)
//
// Unknown keys are ignored. It returns a stop function.
func WatchControlFile(c *Collector, path string) (func() error, error) {
	applyControlFile(c, path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace the file, which drops a watch
	// placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Name != path {
					continue
				}

				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					applyControlFile(c, path)
				}

			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher.Close, nil
}

func applyControlFile(c *Collector, path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "sampling":
			c.SetEnabled(value == "on" || value == "1" || value == "true")
		case "reset":
			if value == "1" || value == "true" {
				c.Reset()
			}
		}
	}
}
