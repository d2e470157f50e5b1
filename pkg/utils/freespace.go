package utils

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
)

type FreeSpaceType int

const (
	AsPercent FreeSpaceType = iota
	AsBytes
)

// FreeSpace is a minimum free space threshold, either a percentage of the
// volume ("5") or an absolute size ("10GiB").
type FreeSpace struct {
	Type    FreeSpaceType
	Bytes   uint64
	Percent float64
	Raw     string
}

// IsLow reports whether a volume of total bytes with avail bytes free has
// fallen below the threshold, with a description for logging.
func (s FreeSpace) IsLow(total, avail uint64) (bool, string) {
	switch s.Type {
	case AsPercent:
		if total == 0 {
			return false, "volume size unknown"
		}
		pct := float64(avail) / float64(total) * 100
		return pct < s.Percent, fmt.Sprintf("disk free %.2f%%, threshold %.2f%%", pct, s.Percent)
	case AsBytes:
		return avail < s.Bytes, fmt.Sprintf("disk free %s, threshold %s", humanize.IBytes(avail), humanize.IBytes(s.Bytes))
	}
	return false, ""
}

func (s FreeSpace) String() string {
	switch s.Type {
	case AsPercent:
		return fmt.Sprintf("%.2f%%", s.Percent)
	default:
		return s.Raw
	}
}

// ParseMinFreeSpace accepts a bare number as a percentage and anything
// humanize can parse as a byte size. An empty string yields nil.
func ParseMinFreeSpace(s string) (*FreeSpace, error) {
	if s == "" {
		return nil, nil
	}

	if percent, err := strconv.ParseFloat(s, 64); err == nil {
		if percent < 0 || percent > 100 {
			return nil, fmt.Errorf("invalid percent value: %s", s)
		}
		return &FreeSpace{
			Type:    AsPercent,
			Percent: percent,
			Raw:     s,
		}, nil
	}

	if bytes, err := humanize.ParseBytes(s); err == nil {
		if bytes <= 100 {
			return nil, fmt.Errorf("invalid byte value: %s", s)
		}
		return &FreeSpace{
			Type:  AsBytes,
			Bytes: bytes,
			Raw:   s,
		}, nil
	}

	return nil, errors.New("invalid min free space format")
}
