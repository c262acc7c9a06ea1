package sv

import (
	"os"

	"github.com/pkg/errors"
)

// Store is the persistent byte store behind the SV table, addressable by
// offset like the EEPROM it replaces. Implementations must keep writes
// durable across restarts.
type Store interface {
	ReadByte(offset int) (byte, error)
	WriteByte(offset int, value byte) error
}

// FileStore keeps the table in a single flat file, synced after every
// write. Writes are not transactional: a power loss mid-write can leave
// the table partially updated, same as the original EEPROM.
type FileStore struct {
	file *os.File
}

func NewFileStore(path string) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sv store file (%s)", path)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "failed to stat sv store file")
	}
	if info.Size() < TableSize {
		err = file.Truncate(TableSize)
		if err != nil {
			file.Close()
			return nil, errors.Wrap(err, "failed to size sv store file")
		}
	}

	return &FileStore{file: file}, nil
}

func (fs *FileStore) ReadByte(offset int) (byte, error) {
	if offset < 0 || offset >= TableSize {
		return 0, &BoundsError{Offset: offset}
	}

	buff := make([]byte, 1)
	_, err := fs.file.ReadAt(buff, int64(offset))
	if err != nil {
		return 0, errors.Wrapf(err, "failed reading store at offset %d", offset)
	}
	return buff[0], nil
}

func (fs *FileStore) WriteByte(offset int, value byte) error {
	if offset < 0 || offset >= TableSize {
		return &BoundsError{Offset: offset}
	}

	_, err := fs.file.WriteAt([]byte{value}, int64(offset))
	if err != nil {
		return errors.Wrapf(err, "failed writing store at offset %d", offset)
	}
	return fs.file.Sync()
}

func (fs *FileStore) Close() error {
	return fs.file.Close()
}

// MemStore is a volatile Store for tests and mock runs.
type MemStore struct {
	Data   [TableSize]byte
	Writes int
}

func (ms *MemStore) ReadByte(offset int) (byte, error) {
	if offset < 0 || offset >= TableSize {
		return 0, &BoundsError{Offset: offset}
	}
	return ms.Data[offset], nil
}

func (ms *MemStore) WriteByte(offset int, value byte) error {
	if offset < 0 || offset >= TableSize {
		return &BoundsError{Offset: offset}
	}
	ms.Data[offset] = value
	ms.Writes++
	return nil
}
