package server

import (
	"regexp"
	"strings"
)

// commandRE matches bot commands in pull request comments, for example
// "/hubcast run pipeline".
var commandRE = regexp.MustCompile(`(?i)^\s*/hubcast\s+(help|approve|run\s+pipeline)\s*$`)

var spacesRE = regexp.MustCompile(`\s+`)

// parseCommand extracts the command from a comment body, normalized to
// lower case. The empty string means the comment is not a command.
func parseCommand(body string) string {
	m := commandRE.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return spacesRE.ReplaceAllString(strings.ToLower(m[1]), " ")
}

const helpMessage = `Hello! I am the hubcast bot. I mirror this pull request to GitLab and
report pipeline results back here.

Available commands:

- ` + "`/hubcast help`" + `: show this message
- ` + "`/hubcast approve`" + `: approve syncing this pull request (maintainers only)
- ` + "`/hubcast run pipeline`" + `: run the GitLab pipeline for this pull request

Note for outside contributors: a maintainer must approve your pull
request before it is mirrored.

Questions or problems? Open an issue at https://github.com/llnl/hubcast/issues.`

const draftMessage = `This pull request is marked as a draft, so hubcast is not mirroring it.
Mark it ready for review to start syncing, or set ` + "`draft_sync: true`" + `
in .github/hubcast.yml to sync drafts.`

const pipelineFailedMessage = `Sorry, I could not start a pipeline for this pull request. Check that
the branch has been mirrored and that the destination project accepts
pipeline triggers, then try again.`
