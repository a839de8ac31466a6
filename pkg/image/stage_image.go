// Package image talks to the image store: stage images are looked up by
// name, built from a parent, tagged, pushed and removed. Image labels are
// the only persistence of stage metadata.
package image

import (
	"maps"
	"path"
	"strings"
	"time"

	"github.com/tgagor/dapp/pkg/util"
)

const (
	LabelProject         = "dapp.project"
	LabelStage           = "dapp.stage"
	LabelSignature       = "dapp.signature"
	LabelParentSignature = "dapp.parent-signature"
	// LabelArtifacts is the digest of the ordered artifact definitions of a
	// source stage.
	LabelArtifacts       = "dapp.artifacts"

	artifactLabelPrefix = "dapp.artifact."
)

// ArtifactCommitLabel records the commit a git artifact was built at.
func ArtifactCommitLabel(artifact string) string {
	return artifactLabelPrefix + artifact + ".commit"
}

// ArtifactPatchLabel records the digest of the patch applied for an artifact.
func ArtifactPatchLabel(artifact string) string {
	return artifactLabelPrefix + artifact + ".patch"
}

// ArtifactIdentityLabel records the digest of the artifact definition, so a
// layer is only reused as an incremental base for the same definition.
func ArtifactIdentityLabel(artifact string) string {
	return artifactLabelPrefix + artifact + ".identity"
}

// StageImage is one built layer.
type StageImage struct {
	Name    string
	ID      string
	Labels  map[string]string
	BuiltAt time.Time
	Size    uint64
}

func (i *StageImage) String() string {
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}

func (i *StageImage) Signature() string {
	return i.Labels[LabelSignature]
}

func (i *StageImage) ParentSignature() string {
	return i.Labels[LabelParentSignature]
}

func (i *StageImage) Stage() string {
	return i.Labels[LabelStage]
}

// ArtifactCommit is the cached commit of artifact, empty when not recorded.
func (i *StageImage) ArtifactCommit(artifact string) string {
	return i.Labels[ArtifactCommitLabel(artifact)]
}

func (i *StageImage) HumanSize() string {
	return util.ByteCountIEC(i.Size)
}

// Ref is the reference to build on: the ID when known, otherwise the name.
func (i *StageImage) Ref() string {
	if i.ID != "" {
		return i.ID
	}
	return i.Name
}

func (i *StageImage) Clone() *StageImage {
	c := *i
	c.Labels = maps.Clone(i.Labels)
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	return &c
}

// MatchLabels reports whether every label in want is set to the same value.
func (i *StageImage) MatchLabels(want map[string]string) bool {
	for k, v := range want {
		if got, ok := i.Labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Repository is the stage image repository of a project.
func Repository(project string) string {
	return "dapp-" + strings.ToLower(project) + "-stage"
}

// Qualify prefixes name with registry, if any.
func Qualify(registry, name string) string {
	if registry == "" {
		return strings.ToLower(name)
	}
	return strings.ToLower(path.Join(registry, name))
}
