package braidproto

import "slices"

// Version is an opaque identifier for one point in a resource's history.
type Version string

// VersionList is an ordered list of versions as carried by the Version and
// Parents headers. Several entries mean a merge of concurrent branches.
type VersionList []Version

// Versions builds a VersionList from plain strings.
func Versions(ids ...string) VersionList {
	list := make(VersionList, 0, len(ids))
	for _, id := range ids {
		list = append(list, Version(id))
	}
	return list
}

// Contains reports whether v is one of the listed versions.
func (l VersionList) Contains(v Version) bool {
	return slices.Contains(l, v)
}

// Strings returns the versions as plain strings.
func (l VersionList) Strings() []string {
	out := make([]string, len(l))
	for i, v := range l {
		out[i] = string(v)
	}
	return out
}

// String returns the header form of the list.
func (l VersionList) String() string {
	return FormatVersionHeader(l)
}

// Patch represents a patch operation in the Braid protocol
type Patch struct {
	Unit    string `json:"unit"`    // Unit names the range addressing scheme, e.g. "json" or "text"
	Range   string `json:"range"`   // Range addresses the patched region, e.g. "/foo/bar/0/id" or "[3:5]"
	Content []byte `json:"content"` // Content replaces the addressed region; empty deletes it
}

// Update represents a Braid protocol update with version, parents, and either patches or a full body
type Update struct {
	Status       int               `json:"status,omitempty"`        // HTTP status, 0 means 200
	Version      VersionList       `json:"version,omitempty"`       // Version identifiers for this update
	Parents      VersionList       `json:"parents,omitempty"`       // Parent versions this update is based on
	Body         []byte            `json:"body,omitempty"`          // Optional full body content, nil when absent
	Patches      []Patch           `json:"patches,omitempty"`       // Optional list of patches
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"` // Headers written verbatim
}

// IsSnapshot reports whether the update carries a full body.
func (u Update) IsSnapshot() bool {
	return u.Body != nil
}

// IsEmpty reports whether the update carries nothing at all, which on the
// wire is a heartbeat.
func (u Update) IsEmpty() bool {
	return (u.Status == 0 || u.Status == StatusOK) &&
		len(u.Version) == 0 && len(u.Parents) == 0 &&
		u.Body == nil && len(u.Patches) == 0 && len(u.ExtraHeaders) == 0
}

// Result is one item of a subscription: an update or the error that ended
// the stream.
type Result struct {
	Update Update
	Err    error
}
