package metainfo

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/jackpal/bencode-go"
)

// The top-level dictionary of a .torrent file.
type MetaInfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
	Info         Info       `bencode:"info"`
}

// Load a MetaInfo from an io.Reader. Returns a non-nil error in case of failure.
func Load(r io.Reader) (*MetaInfo, error) {
	var mi MetaInfo
	err := bencode.Unmarshal(bufio.NewReader(r), &mi)
	if err != nil {
		return nil, fmt.Errorf("decoding metainfo: %w", err)
	}
	if err := mi.Info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid info: %w", err)
	}
	return &mi, nil
}

// Convenience function for loading a MetaInfo from a file.
func LoadFromFile(filename string) (*MetaInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// The info hash is the SHA-1 of the bencoded info dictionary. Only the fields known to Info are
// re-encoded, so exotic keys in the source file would change the hash.
func (mi *MetaInfo) HashInfoBytes() (Hash, error) {
	var buf bytes.Buffer
	err := bencode.Marshal(&buf, mi.Info)
	if err != nil {
		return Hash{}, fmt.Errorf("encoding info: %w", err)
	}
	return HashBytes(buf.Bytes()), nil
}

// Encodes the MetaInfo to w.
func (mi MetaInfo) Write(w io.Writer) error {
	return bencode.Marshal(w, mi)
}
