package runner

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	filePrefix      = "index"
	fileExt         = ".zst"
	timestampLayout = "20060102-150405"
)

// snapshotFilename returns index-{numPoints}p-{timestamp}-{id}.zst.
func snapshotFilename(numPoints int, at time.Time) (name, id string) {
	id = uuid.New().String()[:8]
	return fmt.Sprintf("%s-%dp-%s-%s%s", filePrefix, numPoints, at.UTC().Format(timestampLayout), id, fileExt), id
}

// parseSnapshotFilename is the inverse of snapshotFilename.
func parseSnapshotFilename(path string) (Info, error) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, filePrefix+"-") || !strings.HasSuffix(base, fileExt) {
		return Info{}, fmt.Errorf("not a snapshot: %s", base)
	}
	parts := strings.Split(strings.TrimSuffix(base, fileExt), "-")
	if len(parts) != 5 {
		return Info{}, fmt.Errorf("invalid snapshot name: %s", base)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
	if err != nil {
		return Info{}, fmt.Errorf("invalid point count in %s", base)
	}
	ts, err := time.ParseInLocation(timestampLayout, parts[2]+"-"+parts[3], time.UTC)
	if err != nil {
		return Info{}, fmt.Errorf("invalid timestamp in %s", base)
	}
	return Info{ID: parts[4], NumPoints: n, Timestamp: ts, Path: path}, nil
}

// fingerprint identifies a point set independently of its order. Per-point
// hashes are summed so duplicate points do not cancel out.
func fingerprint(points []geo.GeoPoint) uint64 {
	var acc uint64
	var buf [8]byte
	for _, p := range points {
		d := xxhash.New()
		writeField(d, buf[:], p.ID)
		writeField(d, buf[:], p.Label)
		d.Write(float64Bytes(buf[:], p.Lat))
		d.Write(float64Bytes(buf[:], p.Lng))
		if p.EmployeeCount != nil {
			writeField(d, buf[:], "e"+strconv.Itoa(*p.EmployeeCount))
		}
		if p.CategoryCode != nil {
			writeField(d, buf[:], "c"+*p.CategoryCode)
		}
		acc += d.Sum64()
	}
	return acc ^ uint64(len(points))
}

// writeField writes s with a length prefix.
func writeField(d *xxhash.Digest, buf []byte, s string) {
	n := uint64(len(s))
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	d.Write(buf[:8])
	d.WriteString(s)
}

func float64Bytes(buf []byte, v float64) []byte {
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (8 * i))
	}
	return buf[:8]
}
