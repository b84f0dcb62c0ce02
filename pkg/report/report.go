// Package report renders the operator digest: per-channel statistics,
// cluster health, and recent errors, as Markdown with an optional HTML
// rendering for the health/diagnostics HTTP surface.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
)

// ChannelStat is one channel's running counters and current runtime state,
// as reported by the engine controller.
type ChannelStat struct {
	ChannelID string
	State     string
	Received  int64
	Queued    int64
	Sent      int64
	Filtered  int64
	Errored   int64
}

// NodeSummary is one cluster member's registry row, trimmed to what the
// digest shows an operator.
type NodeSummary struct {
	ServerID      string
	Status        string
	LastHeartbeat time.Time
}

// QuorumSummary mirrors registry.Quorum without importing internal/registry,
// keeping this package free of a dependency on the cluster layer.
type QuorumSummary struct {
	Total       int
	Alive       int
	MinRequired int
	HasQuorum   bool
}

// RecentError is one recent connector-message failure.
type RecentError struct {
	ChannelID  string
	MetadataID int
	Message    string
	At         time.Time
}

// Digest is the full operator snapshot rendered by Markdown/HTML.
type Digest struct {
	GeneratedAt  time.Time
	ServerID     string
	Nodes        []NodeSummary
	Quorum       QuorumSummary
	Channels     []ChannelStat
	RecentErrors []RecentError
}

// Markdown renders the digest as a Markdown document: a heading per
// section, a table for channel statistics, and a bulleted list for recent
// errors. Deterministic given the same Digest value, so callers can diff
// successive digests.
func (d Digest) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Operator Digest — %s\n\n", d.ServerID)
	fmt.Fprintf(&b, "Generated: %s\n\n", d.GeneratedAt.Format(time.RFC3339))

	b.WriteString("## Cluster Health\n\n")
	fmt.Fprintf(&b, "Quorum: %v (alive %d / min required %d, total %d)\n\n",
		d.Quorum.HasQuorum, d.Quorum.Alive, d.Quorum.MinRequired, d.Quorum.Total)
	if len(d.Nodes) > 0 {
		b.WriteString("| Server | Status | Last Heartbeat |\n")
		b.WriteString("| --- | --- | --- |\n")
		for _, n := range d.Nodes {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", n.ServerID, n.Status, n.LastHeartbeat.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Channel Statistics\n\n")
	if len(d.Channels) == 0 {
		b.WriteString("No channels deployed.\n\n")
	} else {
		b.WriteString("| Channel | State | Received | Queued | Sent | Filtered | Errored |\n")
		b.WriteString("| --- | --- | --- | --- | --- | --- | --- |\n")
		for _, c := range d.Channels {
			fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %d | %d |\n",
				c.ChannelID, c.State, c.Received, c.Queued, c.Sent, c.Filtered, c.Errored)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recent Errors\n\n")
	if len(d.RecentErrors) == 0 {
		b.WriteString("None.\n")
	} else {
		for _, e := range d.RecentErrors {
			fmt.Fprintf(&b, "- `%s` (connector %d) at %s: %s\n", e.ChannelID, e.MetadataID, e.At.Format(time.RFC3339), e.Message)
		}
	}

	return b.String()
}

// RenderHTML converts a digest's Markdown to HTML, the same
// markdown-to-HTML conversion the teacher applies to its investigation
// report before upload.
func (d Digest) RenderHTML() string {
	return string(markdown.ToHTML([]byte(d.Markdown()), nil, nil))
}
