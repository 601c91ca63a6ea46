package sqlite

import "github.com/google/uuid"

// randomHex returns n hex characters derived from a fresh random UUID,
// reusing google/uuid (already wired for work/task IDs elsewhere) rather
// than hand-rolling a crypto/rand reader here.
func randomHex(n int) string {
	id := uuid.New().String()
	id = id[:8] + id[9:13] + id[14:18] + id[19:23] + id[24:]
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}
