package vector

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pierrec/lz4"
	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/atomicfile"
	"github.com/meshalign/alignd/internal/intent"
)

const (
	indexFileName = "index.bin"
	mapFileName   = "intent-map.json"

	// Snapshots smaller than this are stored uncompressed.
	minCompressibleSize = 128
)

// snapshotMagic identifies an index snapshot file; the trailing byte is
// the format version.
var snapshotMagic = [4]byte{'A', 'V', 'X', '1'}

const flagLZ4 = uint16(1)

// snapshot header layout, little endian:
//
//	magic   [4]byte
//	flags   uint16  (bit 0: lz4-compressed payload)
//	dim     uint16
//	count   uint32
//	rawSize uint32  (payload size before compression)
const headerSize = 16

// mapFile is the on-disk shape of intent-map.json: internal label to
// intent record snapshot.
type mapFile struct {
	Version int                       `json:"version"`
	Labels  map[string]*intent.Intent `json:"labels"`
}

// Save persists the live set. If tombstones exceed half the graph the
// index is rebuilt first, so the snapshot and the in-memory graph compact
// together. Both files are written atomically.
func (ix *Index) Save() error {
	if ix.opts.Dir == "" {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if st := ix.statsLocked(); st.Ratio > 0.5 {
		ix.log.Info("tombstone ratio above rebuild threshold",
			zap.Float64("ratio", st.Ratio), zap.Int("tombstones", st.Tombstones))
		ix.rebuildLocked()
	}

	payload := ix.encodePayloadLocked()

	flags := uint16(0)
	body := payload
	if len(payload) >= minCompressibleSize {
		if compressed := compressBlock(payload); compressed != nil {
			flags |= flagLZ4
			body = compressed
		}
	}

	buf := make([]byte, headerSize+len(body))
	copy(buf[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], flags)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(ix.opts.Dimension))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(ix.labels)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[headerSize:], body)

	if err := atomicfile.WriteFile(filepath.Join(ix.opts.Dir, indexFileName), buf, 0o644); err != nil {
		return fmt.Errorf("failed to write index snapshot: %w", err)
	}

	labels := make(map[string]*intent.Intent, len(ix.records))
	for label, rec := range ix.records {
		labels[strconv.FormatUint(uint64(label), 10)] = rec
	}
	mapBytes, err := json.Marshal(&mapFile{Version: 1, Labels: labels})
	if err != nil {
		return fmt.Errorf("failed to marshal intent map: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(ix.opts.Dir, mapFileName), mapBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write intent map: %w", err)
	}

	ix.dirty = false
	return nil
}

// encodePayloadLocked serialises the live vectors in fingerprint order:
// per record a uint16 fingerprint length, the fingerprint bytes, then the
// vector as little-endian float32s.
func (ix *Index) encodePayloadLocked() []byte {
	fps := make([]string, 0, len(ix.labels))
	for fp := range ix.labels {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	var buf bytes.Buffer
	var scratch [4]byte
	for _, fp := range fps {
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(fp)))
		buf.Write(scratch[:2])
		buf.WriteString(fp)
		vec := ix.g.vector(ix.labels[fp])
		for _, x := range vec {
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(x))
			buf.Write(scratch[:4])
		}
	}
	return buf.Bytes()
}

// load restores the live set from disk. Missing files leave the index
// empty without error; any corruption is an error the caller downgrades
// to a warning plus an empty start.
func (ix *Index) load() error {
	indexPath := filepath.Join(ix.opts.Dir, indexFileName)
	mapPath := filepath.Join(ix.opts.Dir, mapFileName)

	raw, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index snapshot: %w", err)
	}

	snapshots, err := loadSnapshots(mapPath)
	if err != nil {
		return err
	}

	if len(raw) < headerSize {
		return fmt.Errorf("index snapshot truncated: %d bytes", len(raw))
	}
	if !bytes.Equal(raw[0:4], snapshotMagic[:]) {
		return fmt.Errorf("index snapshot has wrong magic")
	}
	flags := binary.LittleEndian.Uint16(raw[4:6])
	dim := int(binary.LittleEndian.Uint16(raw[6:8]))
	count := int(binary.LittleEndian.Uint32(raw[8:12]))
	rawSize := int(binary.LittleEndian.Uint32(raw[12:16]))
	if dim != ix.opts.Dimension {
		return fmt.Errorf("index snapshot dimension %d does not match configured %d", dim, ix.opts.Dimension)
	}

	payload := raw[headerSize:]
	if flags&flagLZ4 != 0 {
		payload, err = decompressBlock(payload, rawSize)
		if err != nil {
			return fmt.Errorf("failed to decompress index snapshot: %w", err)
		}
	}
	if len(payload) != rawSize {
		return fmt.Errorf("index snapshot payload size %d, header says %d", len(payload), rawSize)
	}

	off := 0
	loaded, skipped := 0, 0
	for i := 0; i < count; i++ {
		if off+2 > len(payload) {
			return fmt.Errorf("index snapshot truncated at record %d", i)
		}
		fpLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+fpLen+4*dim > len(payload) {
			return fmt.Errorf("index snapshot truncated at record %d", i)
		}
		fp := string(payload[off : off+fpLen])
		off += fpLen
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off : off+4]))
			off += 4
		}

		rec, ok := snapshots[fp]
		if !ok {
			// No snapshot means no fee/timestamp for ranking; the intent
			// will be re-upserted as embeddings recur.
			skipped++
			continue
		}
		label := ix.g.insert(vec)
		ix.labels[fp] = label
		ix.records[label] = rec
		loaded++
	}

	ix.log.Info("loaded vector index",
		zap.Int("live", loaded), zap.Int("skipped", skipped))
	return nil
}

// loadSnapshots reads intent-map.json and re-keys it by fingerprint.
// Labels are not stable across restarts; the fingerprint is.
func loadSnapshots(path string) (map[string]*intent.Intent, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]*intent.Intent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read intent map: %w", err)
	}
	var mf mapFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("intent map is corrupt: %w", err)
	}
	out := make(map[string]*intent.Intent, len(mf.Labels))
	for _, rec := range mf.Labels {
		if rec != nil && rec.Fingerprint != "" {
			out[rec.Fingerprint] = rec
		}
	}
	return out, nil
}

// compressBlock returns the LZ4 block for data, or nil when compression
// does not save space.
func compressBlock(data []byte) []byte {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf, nil)
	if err != nil || n == 0 || n >= len(data) {
		return nil
	}
	return buf[:n]
}

// decompressBlock inflates an LZ4 block of known uncompressed size.
func decompressBlock(compressed []byte, uncompressedSize int) ([]byte, error) {
	if uncompressedSize <= 0 {
		return nil, fmt.Errorf("invalid uncompressed size %d", uncompressedSize)
	}
	out := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(compressed, out)
	if err != nil {
		return nil, err
	}
	if n != uncompressedSize {
		return nil, fmt.Errorf("decompressed %d bytes, expected %d", n, uncompressedSize)
	}
	return out, nil
}
