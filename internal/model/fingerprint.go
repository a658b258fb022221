package model

// Fingerprint is a small structured summary of an environment: the
// recognized keys below map to short lowercase values ("python",
// "fastapi", "linux"...). Fields absent from the environment are omitted,
// not null-filled. A nil Fingerprint means no context could be extracted.
type Fingerprint map[string]string

// Recognized fingerprint keys. Keys outside this set are ignored by
// alignment scoring.
const (
	FPLanguage       = "language"
	FPFramework      = "framework"
	FPOS             = "os"
	FPPackageManager = "package_manager"
	FPRuntime        = "runtime"
	FPEnvironment    = "environment"
)

// FingerprintKeys lists the recognized keys in canonical order, used for
// the deterministic string form and for alignment iteration.
var FingerprintKeys = []string{
	FPLanguage,
	FPFramework,
	FPOS,
	FPPackageManager,
	FPRuntime,
	FPEnvironment,
}
