package epoch

// FetchType enumerates the request kinds the epoch tracker annotates
// (spec §4.2), replacing the source's string-keyed fetchType.
type FetchType int

const (
	FetchTypeBlob FetchType = iota
	FetchTypeCreateBlob
	FetchTypeCreateFile
	FetchTypeJoinSession
	FetchTypeOps
	FetchTypeSnapshotTree
	FetchTypeTreesLatest
	FetchTypeUploadSummary
	FetchTypePush
	FetchTypeVersions
	FetchTypeOther
)

func (t FetchType) String() string {
	switch t {
	case FetchTypeBlob:
		return "blob"
	case FetchTypeCreateBlob:
		return "createBlob"
	case FetchTypeCreateFile:
		return "createFile"
	case FetchTypeJoinSession:
		return "joinSession"
	case FetchTypeOps:
		return "ops"
	case FetchTypeSnapshotTree:
		return "snapshotTree"
	case FetchTypeTreesLatest:
		return "treesLatest"
	case FetchTypeUploadSummary:
		return "uploadSummary"
	case FetchTypePush:
		return "push"
	case FetchTypeVersions:
		return "versions"
	default:
		return "other"
	}
}
