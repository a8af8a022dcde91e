package brufsconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cmpsb/brufs-sub000/pkg/brufs"
)

func TestLoadProfileWithEmptyPathReturnsDefault(t *testing.T) {
	profile, err := LoadProfile("")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if profile != brufs.DefaultProfile {
		t.Fatalf("LoadProfile(\"\") = %+v, want brufs.DefaultProfile", profile)
	}
}

func TestLoadProfileOverlaysOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.toml")
	contents := "cluster-size-exp = 16\nspare-low-mark = 2\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}

	if profile.ClusterSizeExp != 16 {
		t.Errorf("ClusterSizeExp = %d, want 16", profile.ClusterSizeExp)
	}
	if profile.ScLowMark != 2 {
		t.Errorf("ScLowMark = %d, want 2", profile.ScLowMark)
	}
	// fields absent from the file fall back to brufs.DefaultProfile
	if profile.ScHighMark != brufs.DefaultProfile.ScHighMark {
		t.Errorf("ScHighMark = %d, want default %d", profile.ScHighMark, brufs.DefaultProfile.ScHighMark)
	}
	if profile.InodeSize != brufs.DefaultProfile.InodeSize {
		t.Errorf("InodeSize = %d, want default %d", profile.InodeSize, brufs.DefaultProfile.InodeSize)
	}
}

func TestLoadProfileMissingFileReturnsError(t *testing.T) {
	if _, err := LoadProfile("/nonexistent/path/profile.toml"); err == nil {
		t.Fatalf("LoadProfile of a missing file should return an error")
	}
}
