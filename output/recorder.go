package output

import (
	"os"

	"golang.org/x/xerrors"

	"github.com/2bc4/twitchls/ctxlogger"
)

// Recorder appends the raw MPEG-TS bytes to a file.
type Recorder struct {
	file *os.File
}

// OpenRecorder creates the record file. Without overwrite an existing file
// is refused rather than clobbered.
func OpenRecorder(log ctxlogger.Logger, path string, overwrite bool) (*Recorder, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("failed to open record file: %w", err)
	}

	log.Printf("recording to: %s", path)
	return &Recorder{file: file}, nil
}

func (r *Recorder) Write(data []byte) error {
	_, err := r.file.Write(data)
	return err
}

func (r *Recorder) Close() error {
	return r.file.Close()
}

func (r *Recorder) Name() string {
	return "record:" + r.file.Name()
}
