package trainer

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LogFile is the run log written next to every output directory.
const LogFile = "fuse.log"

// StartLog mirrors the standard logger into dir/fuse.log. The returned
// function restores the previous output and closes the file.
func StartLog(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open run log")
	}
	prev := log.Writer()
	log.SetOutput(io.MultiWriter(prev, f))
	return func() error {
		log.SetOutput(prev)
		return f.Close()
	}, nil
}
