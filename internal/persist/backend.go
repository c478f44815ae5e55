package persist

// Backend stores opaque state blobs by key.
type Backend interface {
	// Read returns the blob for key. A missing entry reports ok=false without error.
	Read(key string) ([]byte, bool, error)
	// Write overwrites the blob for key synchronously.
	Write(key string, data []byte) error
	// Delete removes the blob for key; deleting a missing key is not an error.
	Delete(key string) error
	// Keys lists stored keys in lexical order.
	Keys() ([]string, error)
}
