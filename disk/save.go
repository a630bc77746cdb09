package disk

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// backupStamp names historical deltas so that they sort by age.
const backupStamp = "20060102-150405.000000000"

// Save writes a new delta if anything changed. The previous delta is kept
// under a timestamped name and old ones beyond the retention count are
// removed, oldest first.
func (img *Image) Save() error {
	img.mu.Lock()
	if !img.changed {
		img.mu.Unlock()

		return nil
	}

	if img.cfg.ReadOnly {
		img.mu.Unlock()

		return errors.Wrapf(ErrReadOnly, "%s: %d pages", img.cfg.Path, img.dirtyPagesLocked())
	}

	dirty := make([]uint16, len(img.dirty))
	copy(dirty, img.dirty)
	img.changed = false
	img.mu.Unlock()

	if err := img.save(dirty); err != nil {
		img.mu.Lock()
		img.changed = true
		img.mu.Unlock()

		return err
	}

	return nil
}

func (img *Image) dirtyPagesLocked() int {
	n := 0

	for _, m := range img.dirty {
		for ; m != 0; m &= m - 1 {
			n++
		}
	}

	return n
}

func (img *Image) save(dirty []uint16) error {
	tmp := img.deltaPath + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "create delta")
	}

	if err := img.writeDelta(f, dirty); err != nil {
		f.Close()
		os.Remove(tmp)

		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)

		return errors.Wrap(err, "sync delta")
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)

		return errors.Wrap(err, "close delta")
	}

	if err := img.backupDelta(); err != nil {
		return err
	}

	if err := os.Rename(tmp, img.deltaPath); err != nil {
		return errors.Wrap(err, "install delta")
	}

	log.Printf("disk: saved %s", img.deltaPath)

	return img.pruneBackups()
}

// backupDelta renames the current delta after its modification time.
func (img *Image) backupDelta() error {
	st, err := os.Stat(img.deltaPath)
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return errors.Wrap(err, "stat delta")
	}

	name := img.deltaPath + "." + st.ModTime().Format(backupStamp)
	for i := 1; ; i++ {
		if _, err := os.Lstat(name); os.IsNotExist(err) {
			break
		}

		name = fmt.Sprintf("%s.%s-%d", img.deltaPath, st.ModTime().Format(backupStamp), i)
	}

	return errors.Wrap(os.Rename(img.deltaPath, name), "back up delta")
}

// Backups lists the historical deltas, newest first.
func (img *Image) Backups() ([]string, error) {
	all, err := filepath.Glob(img.deltaPath + ".*")
	if err != nil {
		return nil, err
	}

	backups := all[:0]

	for _, p := range all {
		if !strings.HasSuffix(p, ".tmp") {
			backups = append(backups, p)
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	return backups, nil
}

func (img *Image) pruneBackups() error {
	if img.cfg.Retain < 0 {
		return nil
	}

	backups, err := img.Backups()
	if err != nil {
		return errors.Wrap(err, "list delta backups")
	}

	if len(backups) <= img.cfg.Retain {
		return nil
	}

	for _, p := range backups[img.cfg.Retain:] {
		if err := os.Remove(p); err != nil {
			return errors.Wrap(err, "remove old delta")
		}
	}

	return nil
}
