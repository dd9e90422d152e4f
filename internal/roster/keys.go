package roster

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"arforward/util"
)

// LoadKeys parses a keys file, one peer per line:
//
//	<id> <name> <ip|any|cidr> <key>
//
// Blank lines and '#' comments are skipped, as are removed agents whose
// name starts with '!' or '#'.  Peers listed with a fixed IP are pinned
// to that address on port; "any" and CIDR peers become reachable on
// first contact, CIDR peers only from inside their range.
func LoadKeys(r io.Reader, port int) ([]Peer, error) {
	var peers []Peer
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("keys line %d: want 4 fields, got %d", lineNo, len(fields))
		}
		id, name, ip, key := fields[0], fields[1], fields[2], fields[3]
		if strings.HasPrefix(name, "!") || strings.HasPrefix(name, "#") {
			continue
		}
		addr, network, err := util.PeerAddr(ip, port)
		if err != nil {
			return nil, fmt.Errorf("keys line %d: %w", lineNo, err)
		}
		peers = append(peers, Peer{ID: id, Name: name, Key: key, Addr: addr, Fixed: addr != nil, Network: network})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	return peers, nil
}

// LoadKeysFile opens path and builds a Keystore from it.
func LoadKeysFile(path string, port int) (*Keystore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keys: %w", err)
	}
	defer f.Close()

	peers, err := LoadKeys(f, port)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ks, err := NewKeystore(peers)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ks, nil
}
