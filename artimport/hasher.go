package artimport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
)

// hashChunkSize bounds the memory used per file while hashing.
const hashChunkSize = 64 * 1024

// Digest is the content fingerprint of a file.
type Digest struct {
	Sum  string
	Size int64
}

// HashFile returns the hex SHA-256 of the file content, read in fixed-size chunks.
// Open and read failures are returned as *IOError.
func HashFile(ctx context.Context, path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)

	var size int64
	for {
		if err := ctx.Err(); err != nil {
			return Digest{}, err
		}

		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			size += int64(n)
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return Digest{}, &IOError{Path: path, Err: err}
		}
	}

	return Digest{
		Sum:  hex.EncodeToString(h.Sum(nil)),
		Size: size,
	}, nil
}
