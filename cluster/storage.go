package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/klauspost/compress/zstd"
)

// Snapshot layout, little endian:
//
//	magic "BGIX" | version u32 | options | count u32 | points...
//
// A point is id, label (u32 length + bytes), lat, lng (f64), then
// employee flag u8 + i32 and category flag u8 + string. Trees are not
// stored; loading rebuilds them.
const (
	snapshotMagic   = "BGIX"
	snapshotVersion = uint32(1)
	maxStringLen    = 1 << 16
	maxPrealloc     = 1 << 16
)

var errBadSnapshot = errors.New("not an index snapshot")

type snapshotWriter struct {
	w   io.Writer
	err error
}

func (s *snapshotWriter) put(v any) {
	if s.err != nil {
		return
	}
	s.err = binary.Write(s.w, binary.LittleEndian, v)
}

func (s *snapshotWriter) putString(v string) {
	if s.err != nil {
		return
	}
	if len(v) > maxStringLen {
		s.err = fmt.Errorf("string length %d exceeds limit", len(v))
		return
	}
	s.put(uint32(len(v)))
	if s.err != nil {
		return
	}
	_, s.err = io.WriteString(s.w, v)
}

type snapshotReader struct {
	r   io.Reader
	err error
}

func (s *snapshotReader) get(v any) {
	if s.err != nil {
		return
	}
	s.err = binary.Read(s.r, binary.LittleEndian, v)
}

func (s *snapshotReader) getString() string {
	var n uint32
	s.get(&n)
	if s.err != nil {
		return ""
	}
	if n > maxStringLen {
		s.err = fmt.Errorf("string length %d exceeds limit", n)
		return ""
	}
	buf := make([]byte, n)
	_, s.err = io.ReadFull(s.r, buf)
	return string(buf)
}

// WriteTo encodes the options and points of the index.
func (sc *Supercluster) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	sw := &snapshotWriter{w: cw}

	sw.put([]byte(snapshotMagic))
	sw.put(snapshotVersion)
	sw.put(int32(sc.Options.MinZoom))
	sw.put(int32(sc.Options.MaxZoom))
	sw.put(int32(sc.Options.MinPoints))
	sw.put(sc.Options.Radius)
	sw.put(int32(sc.Options.Extent))
	sw.put(int32(sc.Options.NodeSize))
	sw.put(uint32(len(sc.Points)))

	for _, p := range sc.Points {
		sw.putString(p.ID)
		sw.putString(p.Label)
		sw.put(p.Lat)
		sw.put(p.Lng)
		if p.EmployeeCount != nil {
			sw.put(uint8(1))
			sw.put(int32(*p.EmployeeCount))
		} else {
			sw.put(uint8(0))
		}
		if p.CategoryCode != nil {
			sw.put(uint8(1))
			sw.putString(*p.CategoryCode)
		} else {
			sw.put(uint8(0))
		}
	}
	return cw.n, sw.err
}

// ReadSupercluster decodes a snapshot written by WriteTo and rebuilds the index.
func ReadSupercluster(r io.Reader) (*Supercluster, error) {
	sr := &snapshotReader{r: r}

	magic := make([]byte, len(snapshotMagic))
	sr.get(magic)
	if sr.err != nil {
		return nil, fmt.Errorf("read header: %w", sr.err)
	}
	if string(magic) != snapshotMagic {
		return nil, errBadSnapshot
	}
	var version uint32
	sr.get(&version)
	if sr.err == nil && version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}

	var minZoom, maxZoom, minPoints, extent, nodeSize int32
	var radius float64
	sr.get(&minZoom)
	sr.get(&maxZoom)
	sr.get(&minPoints)
	sr.get(&radius)
	sr.get(&extent)
	sr.get(&nodeSize)

	var count uint32
	sr.get(&count)
	if sr.err != nil {
		return nil, fmt.Errorf("read options: %w", sr.err)
	}

	points := make([]geo.GeoPoint, 0, min(int(count), maxPrealloc))
	for i := uint32(0); i < count; i++ {
		var p geo.GeoPoint
		p.ID = sr.getString()
		p.Label = sr.getString()
		sr.get(&p.Lat)
		sr.get(&p.Lng)

		var flag uint8
		sr.get(&flag)
		if flag == 1 {
			var n int32
			sr.get(&n)
			v := int(n)
			p.EmployeeCount = &v
		}
		sr.get(&flag)
		if flag == 1 {
			c := sr.getString()
			p.CategoryCode = &c
		}
		if sr.err != nil {
			return nil, fmt.Errorf("read point %d: %w", i, sr.err)
		}
		points = append(points, p)
	}

	sc := NewSupercluster(Options{
		MinZoom:   int(minZoom),
		MaxZoom:   int(maxZoom),
		MinPoints: int(minPoints),
		Radius:    radius,
		Extent:    int(extent),
		NodeSize:  int(nodeSize),
	})
	sc.Load(points)
	return sc, nil
}

// SaveCompressed writes a zstd compressed snapshot to filename.
func (sc *Supercluster) SaveCompressed(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)
	enc, err := zstd.NewWriter(bufWriter,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	if _, err := sc.WriteTo(enc); err != nil {
		enc.Close()
		return fmt.Errorf("failed to encode index: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}

	return file.Sync()
}

// LoadCompressedSupercluster reads a snapshot written by SaveCompressed.
func LoadCompressedSupercluster(filename string) (*Supercluster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(bufio.NewReaderSize(file, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	sc, err := ReadSupercluster(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filename, err)
	}
	return sc, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
