package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/uid"
)

// Index container layout:
//
//	[0:8)   magic "HSXIDX01"
//	[8:24)  revision id, random per published container
//	[24:)   zstd(CBOR(indexFile))
//
// The header is read on every lookup to detect containers published by other
// instances, so it stays uncompressed and fixed-size.
const (
	indexMagic      = "HSXIDX01"
	indexHeaderSize = len(indexMagic) + uid.RevisionSize
	indexVersion    = 1
)

type indexFile struct {
	Version int          `cbor:"1,keyasint"`
	Entries []indexEntry `cbor:"2,keyasint"`
}

type indexEntry struct {
	Key      []byte `cbor:"1,keyasint"`
	Data     []byte `cbor:"2,keyasint,omitempty"`
	External bool   `cbor:"3,keyasint,omitempty"`
	Size     int64  `cbor:"4,keyasint"`
	Name     string `cbor:"5,keyasint,omitempty"`
}

// hybridEntry is the in-memory form of an index entry. Entries are never
// mutated once built, so Data may be shared with readers. External entries
// name their file in the key's shard directory under large/; every external
// write gets a fresh name, so a file is only ever referenced by one write.
type hybridEntry struct {
	data     []byte
	external bool
	size     int64
	name     string
}

var (
	indexEncMode cbor.EncMode
	indexDecMode cbor.DecMode

	// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll/DecodeAll.
	indexEncoder *zstd.Encoder
	indexDecoder *zstd.Decoder
)

func init() {
	var err error
	indexEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	indexDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
	indexEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	indexDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeIndex serializes entries into a complete container stamped with rev.
// Entries are sorted by key so equal maps produce equal payloads.
func encodeIndex(rev uid.Revision, entries map[hashing.Key]hybridEntry) ([]byte, error) {
	keys := make([]hashing.Key, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	doc := indexFile{Version: indexVersion, Entries: make([]indexEntry, 0, len(keys))}
	for _, k := range keys {
		e := entries[k]
		ie := indexEntry{Key: k.Bytes(), External: e.external, Size: e.size}
		if e.external {
			ie.Name = e.name
		} else {
			ie.Data = e.data
		}
		doc.Entries = append(doc.Entries, ie)
	}

	payload, err := indexEncMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding index: %w", err)
	}

	out := make([]byte, 0, indexHeaderSize+len(payload)/2)
	out = append(out, indexMagic...)
	out = append(out, rev[:]...)
	return indexEncoder.EncodeAll(payload, out), nil
}

// decodeIndex parses a complete container.
func decodeIndex(data []byte) (uid.Revision, map[hashing.Key]hybridEntry, error) {
	rev, err := parseIndexHeader(data)
	if err != nil {
		return uid.Revision{}, nil, err
	}

	payload, err := indexDecoder.DecodeAll(data[indexHeaderSize:], nil)
	if err != nil {
		return uid.Revision{}, nil, fmt.Errorf("%w: index decompress: %v", ErrCorrupt, err)
	}
	var doc indexFile
	if err := indexDecMode.Unmarshal(payload, &doc); err != nil {
		return uid.Revision{}, nil, fmt.Errorf("%w: index decode: %v", ErrCorrupt, err)
	}
	if doc.Version != indexVersion {
		return uid.Revision{}, nil, fmt.Errorf("%w: unsupported index version %d", ErrCorrupt, doc.Version)
	}

	entries := make(map[hashing.Key]hybridEntry, len(doc.Entries))
	for _, ie := range doc.Entries {
		if len(ie.Key) < MinKeySize {
			return uid.Revision{}, nil, fmt.Errorf("%w: index entry with %d-byte key", ErrCorrupt, len(ie.Key))
		}
		e := hybridEntry{external: ie.External, size: ie.Size, name: ie.Name}
		if ie.External && !validExternalName(ie.Name) {
			return uid.Revision{}, nil, fmt.Errorf("%w: external entry with file name %q", ErrCorrupt, ie.Name)
		}
		if !ie.External {
			e.data = ie.Data
			e.size = int64(len(ie.Data))
			e.name = ""
		}
		entries[hashing.KeyFromBytes(ie.Key)] = e
	}
	return rev, entries, nil
}

// externalName returns a fresh file name for one external write of key.
func externalName(key hashing.Key) string {
	return key.String() + "-" + uid.New()
}

// validExternalName rejects names that could escape the shard directory.
func validExternalName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}

func parseIndexHeader(header []byte) (uid.Revision, error) {
	if len(header) < indexHeaderSize || !bytes.Equal(header[:len(indexMagic)], []byte(indexMagic)) {
		return uid.Revision{}, fmt.Errorf("%w: bad index header", ErrCorrupt)
	}
	var rev uid.Revision
	copy(rev[:], header[len(indexMagic):indexHeaderSize])
	return rev, nil
}

// readIndexRevision reads only the container header. A missing container
// reports ok == false.
func readIndexRevision(path string) (rev uid.Revision, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return uid.Revision{}, false, nil
		}
		return uid.Revision{}, false, fmt.Errorf("opening index: %w", err)
	}
	defer f.Close()

	header := make([]byte, indexHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return uid.Revision{}, false, fmt.Errorf("%w: truncated index header", ErrCorrupt)
		}
		return uid.Revision{}, false, fmt.Errorf("reading index header: %w", err)
	}
	rev, err = parseIndexHeader(header)
	if err != nil {
		return uid.Revision{}, false, err
	}
	return rev, true, nil
}

// readIndex loads the whole container. A missing container is an empty index
// with the zero revision.
func readIndex(path string) (uid.Revision, map[hashing.Key]hybridEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return uid.Revision{}, map[hashing.Key]hybridEntry{}, nil
		}
		return uid.Revision{}, nil, fmt.Errorf("reading index: %w", err)
	}
	return decodeIndex(data)
}

// writeIndex publishes a container atomically: temp file in the same
// directory, fsync, rename over path.
func writeIndex(path string, rev uid.Revision, entries map[hashing.Key]hybridEntry) error {
	data, err := encodeIndex(rev, entries)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+tmpMarker+uid.New())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp index: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp index: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp index: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp index: %w", err)
	}
	return nil
}
