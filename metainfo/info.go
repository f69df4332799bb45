package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
)

// The info dictionary, BEP 3 fields only.
type Info struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []FileInfo `bencode:"files,omitempty"`
}

type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Builds a single-file Info for data, hashing it into pieces of pieceLength.
func InfoFromData(name string, pieceLength int64, data []byte) (info Info) {
	info.Name = name
	info.PieceLength = pieceLength
	info.Length = int64(len(data))
	pieces := make([]byte, 0, (len(data)+int(pieceLength)-1)/int(pieceLength)*HashSize)
	for off := int64(0); off < info.Length; off += pieceLength {
		end := min(off+pieceLength, info.Length)
		h := sha1.Sum(data[off:end])
		pieces = append(pieces, h[:]...)
	}
	info.Pieces = string(pieces)
	return
}

func (info *Info) TotalLength() (ret int64) {
	if len(info.Files) == 0 {
		return info.Length
	}
	for _, fi := range info.Files {
		ret += fi.Length
	}
	return
}

func (info *Info) NumPieces() int {
	return len(info.Pieces) / HashSize
}

// Length of the final piece, which is the remainder of the total length when it doesn't divide
// evenly.
func (info *Info) FinalPieceLength() int64 {
	if info.NumPieces() == 0 {
		return 0
	}
	return info.TotalLength() - int64(info.NumPieces()-1)*info.PieceLength
}

func (info *Info) PieceLen(index int) int64 {
	if index == info.NumPieces()-1 {
		return info.FinalPieceLength()
	}
	return info.PieceLength
}

func (info *Info) PieceHash(index int) (ret Hash) {
	copy(ret[:], info.Pieces[index*HashSize:(index+1)*HashSize])
	return
}

func (info *Info) Validate() error {
	if info.PieceLength <= 0 {
		return errors.New("piece length must be positive")
	}
	if len(info.Pieces)%HashSize != 0 {
		return fmt.Errorf("pieces has length %d, not a multiple of %d", len(info.Pieces), HashSize)
	}
	total := info.TotalLength()
	want := (total + info.PieceLength - 1) / info.PieceLength
	if int64(info.NumPieces()) != want {
		return fmt.Errorf("have %d piece hashes, total length %d needs %d", info.NumPieces(), total, want)
	}
	return nil
}
