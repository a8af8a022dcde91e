// Package brufsconfig loads a brufs.FormatProfile from a TOML file, the
// same configuration format vorteil's .vcfg profiles use. It is pure
// convenience over literal FormatProfile values: nothing here changes the
// on-disk format. An empty path simply yields brufs.DefaultProfile; a path
// that cannot be read is reported as an error.
package brufsconfig

import (
	"os"

	"github.com/sisatech/toml"

	"github.com/cmpsb/brufs-sub000/pkg/brufs"
)

// fileProfile mirrors brufs.FormatProfile with TOML tags; it exists
// separately so the wire format can evolve (renamed keys, new optional
// fields) without touching the domain type it decodes into.
type fileProfile struct {
	ClusterSizeExp  *uint8  `toml:"cluster-size-exp"`
	ScLowMark       *uint8  `toml:"spare-low-mark"`
	ScHighMark      *uint8  `toml:"spare-high-mark"`
	InodeSize       *uint16 `toml:"inode-size"`
	InodeHeaderSize *uint16 `toml:"inode-header-size"`
	MaxExtentLength *uint32 `toml:"max-extent-length"`
}

// LoadProfile reads a FormatProfile from the TOML file at path, falling
// back to brufs.DefaultProfile for any field the file leaves unset. An
// empty path returns brufs.DefaultProfile unmodified.
func LoadProfile(path string) (brufs.FormatProfile, error) {
	profile := brufs.DefaultProfile
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return profile, err
	}

	var fp fileProfile
	if err := toml.Unmarshal(data, &fp); err != nil {
		return profile, err
	}

	if fp.ClusterSizeExp != nil {
		profile.ClusterSizeExp = *fp.ClusterSizeExp
	}
	if fp.ScLowMark != nil {
		profile.ScLowMark = *fp.ScLowMark
	}
	if fp.ScHighMark != nil {
		profile.ScHighMark = *fp.ScHighMark
	}
	if fp.InodeSize != nil {
		profile.InodeSize = *fp.InodeSize
	}
	if fp.InodeHeaderSize != nil {
		profile.InodeHeaderSize = *fp.InodeHeaderSize
	}
	if fp.MaxExtentLength != nil {
		profile.MaxExtentLength = *fp.MaxExtentLength
	}

	return profile, nil
}
