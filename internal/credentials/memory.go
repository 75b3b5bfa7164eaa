package credentials

import (
	"sync"

	"github.com/awnumar/memguard"
)

// memoryCell is the process-memory tier: a single-writer cell holding the
// current access token inside a memguard enclave. All access goes through mu.
type memoryCell struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

func (c *memoryCell) set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// NewEnclave wipes its input, so hand it a private copy.
	c.enclave = memguard.NewEnclave([]byte(token))
}

func (c *memoryCell) get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enclave == nil {
		return "", false
	}

	buf, err := c.enclave.Open()
	if err != nil {
		// An enclave that cannot be opened is as good as absent.
		c.enclave = nil
		return "", false
	}
	defer buf.Destroy()
	return string(buf.Bytes()), true
}

func (c *memoryCell) clear() {
	c.mu.Lock()
	c.enclave = nil
	c.mu.Unlock()
}
