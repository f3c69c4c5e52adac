package cohort

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/UCLH-Foundry/PIXL/internal/message"
)

// StatePath names the checkpoint file the stop command drains a queue into.
func StatePath(dir, queue string) string {
	return filepath.Join(dir, queue+".state")
}

// MessagesFromStateFile reads a stop checkpoint, one JSON message per
// non-empty line.
func MessagesFromStateFile(path string) ([]message.Message, error) {
	if filepath.Ext(path) != ".state" {
		return nil, fmt.Errorf("invalid file suffix for %s, expected .state", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []message.Message
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m, err := message.Deserialise([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}
