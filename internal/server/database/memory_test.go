package database

import "testing"

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(*testing.T) Store {
		return NewMemoryStore()
	})
}
