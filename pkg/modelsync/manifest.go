package modelsync

import (
	"encoding/json"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/vyvo/compute/rental/pkg/workflow"
)

// Entry is one model file the instance's sync agent must place before the
// workflow runs.
type Entry struct {
	Category   string `json:"category"`
	Filename   string `json:"filename"`
	DriveID    string `json:"driveId"`
	TargetPath string `json:"targetPath"`
}

// Manifest is the document pushed to the instance for the sync agent.
type Manifest struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Entries     []Entry   `json:"entries"`
}

// Empty reports whether there is nothing to sync.
func (m Manifest) Empty() bool { return len(m.Entries) == 0 }

// Encode renders the manifest as indented JSON for the remote file.
func (m Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

var drivePathID = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)

// ExtractDriveID pulls the file id out of the remote store's share link
// formats: .../file/d/<id>/view, .../open?id=<id>, or a bare id.
func ExtractDriveID(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if m := drivePathID.FindStringSubmatch(ref); m != nil {
		return m[1], true
	}
	if u, err := url.Parse(ref); err == nil {
		if id := u.Query().Get("id"); id != "" {
			return id, true
		}
	}
	if !strings.ContainsAny(ref, ":/?") {
		return ref, true
	}
	return "", false
}

// BuildManifest turns resolved asset requirements into a sync manifest
// rooted at the runtime's models directory. Requirements whose source
// reference cannot be parsed into a file id are returned separately.
func BuildManifest(reqs []workflow.AssetRequirement, modelsRoot string) (Manifest, []workflow.AssetRequirement) {
	m := Manifest{GeneratedAt: time.Now().UTC()}
	var skipped []workflow.AssetRequirement

	for _, req := range reqs {
		id, ok := ExtractDriveID(req.SourceRef)
		if !ok {
			skipped = append(skipped, req)
			continue
		}
		m.Entries = append(m.Entries, Entry{
			Category:   string(req.Category),
			Filename:   req.Filename,
			DriveID:    id,
			TargetPath: path.Join(modelsRoot, req.Category.Dir(), req.Filename),
		})
	}
	return m, skipped
}
