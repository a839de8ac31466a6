package image

import (
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/rs/zerolog/log"
)

// OCILabels returns the standard annotations for a final image built from
// the project in dir.
// https://github.com/opencontainers/image-spec/blob/main/annotations.md
func OCILabels(dir, maintainer, version string, created time.Time) map[string]string {
	labels := map[string]string{}

	if maintainer != "" {
		labels["maintainer"] = maintainer
		labels["org.opencontainers.image.authors"] = maintainer
	}

	if version != "" {
		labels["org.opencontainers.image.version"] = version
	}

	labels["org.opencontainers.image.created"] = created.UTC().Format(time.RFC3339)

	originURL, hexsha, branch, err := readGitRepo(dir)
	if err != nil {
		log.Warn().Err(err).Msg("Not being able to read git repo metadata, or not a git repo. Skipping.")
	} else {
		if originURL != "" {
			labels["org.opencontainers.image.source"] = originURL
		}
		if hexsha != "" {
			labels["org.opencontainers.image.revision"] = hexsha
		}
		if branch != "" {
			labels["org.opencontainers.image.branch"] = branch
		}
	}

	log.Debug().Interface("labels", labels).Msg("Adding OCI")
	return labels
}

func readGitRepo(path string) (originURL string, commitHex string, branchName string, err error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", "", "", nil
		}
		return "", "", "", fmt.Errorf("failed to open repository: %w", err)
	}

	if origin, err := repo.Remote("origin"); err == nil && len(origin.Config().URLs) > 0 {
		originURL = origin.Config().URLs[0]
	}

	head, err := repo.Head()
	if err != nil {
		return originURL, "", "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	commitHex = head.Hash().String()

	// detached HEAD has no branch
	if head.Name().IsBranch() {
		branchName = head.Name().Short()
	}
	return originURL, commitHex, branchName, nil
}
