package agent

import (
	"os"
	"strings"
)

// identity file permissions: readable only by the owner, since the
// node_id it contains is the agent's durable identity with the master.
const identityFileMode = 0o600

// loadIdentity reads a previously assigned node_id from path. It returns
// "" with no error if the file does not exist, mirroring the original
// load_node_id/save_node_id split (original_source/agent/config.py):
// identity is optional until the first successful registration.
func loadIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// saveIdentity persists the master-assigned node_id so it survives
// restarts. Registration itself is keyed on node_name, so the Master
// hands back the same identity on re-registration.
func saveIdentity(path, nodeID string) error {
	return os.WriteFile(path, []byte(nodeID), identityFileMode)
}
