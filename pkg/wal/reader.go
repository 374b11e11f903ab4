package wal

import (
	"io"
	"os"
)

// Reader walks every record across a WAL directory's log files in order,
// tolerating a torn tail on any individual file. It yields raw records
// without running recovery.
type Reader struct {
	files   []string
	current int
	fd      *os.File
}

// OpenReader opens a Reader over every wal_NNNNNNNN.log file in dir.
func OpenReader(dir string) (*Reader, error) {
	files, err := listLogFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrLogNotFound
	}
	r := &Reader{files: files}
	if err := r.openCurrent(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) openCurrent() error {
	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Next returns the next record, or io.EOF once every file is exhausted. A
// torn tail on one file advances to the next rather than erroring.
func (r *Reader) Next() (*Record, error) {
	for {
		rec, err := readFramedRecord(r.fd)
		if err == nil {
			return rec, nil
		}
		if err == io.EOF || err == ErrTruncated || err == ErrCorrupted {
			r.fd.Close()
			r.current++
			if r.current >= len(r.files) {
				return nil, io.EOF
			}
			if err := r.openCurrent(); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
}

// Close releases the currently open file.
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

// ReadAll collects every record under dir into memory, in log order,
// tolerating torn tails the same way Next does.
func ReadAll(dir string) ([]*Record, error) {
	files, err := listLogFiles(dir)
	if err != nil {
		return nil, err
	}
	return readAllTolerant(files)
}
