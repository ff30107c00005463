// types.go - Fehlertyp fuer Hub-Operationen
package huggingface

// HuggingFaceError repraesentiert einen Fehler bei HF-Operationen
type HuggingFaceError struct {
	Op      string // Operation (resolve, download, upload)
	ModelID string // Betroffenes Modell oder Repository
	Err     error  // Urspruenglicher Fehler
}

// Error implementiert das error Interface
func (e *HuggingFaceError) Error() string {
	if e.ModelID != "" {
		return "huggingface " + e.Op + " [" + e.ModelID + "]: " + e.Err.Error()
	}
	return "huggingface " + e.Op + ": " + e.Err.Error()
}

// Unwrap ermoeglicht errors.Is/As
func (e *HuggingFaceError) Unwrap() error {
	return e.Err
}
