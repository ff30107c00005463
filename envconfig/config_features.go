// config_features.go - Delta- und Upload-Einstellungen
//
// Dieses Modul enthaelt:
// - Speicher-Einstellungen (Shard-Groesse, Pad-Token)
// - Parallelitaets-Einstellungen fuer Hub-Transfers
package envconfig

// =============================================================================
// Speicher-Einstellungen
// =============================================================================

var (
	// MaxShardSize ist die maximale Groesse einer Safetensors-Datei beim Speichern (z.B. 5GB, 500MiB)
	MaxShardSize = StringWithDefault("DELTA_MAX_SHARD_SIZE", "5GB")

	// PadToken ist der Inhalt des Padding-Tokens, der dem Basis-Tokenizer hinzugefuegt wird
	PadToken = StringWithDefault("DELTA_PAD_TOKEN", "[PAD]")
)

// =============================================================================
// Hub-Transfers
// =============================================================================

var (
	// UploadConcurrency ist die Anzahl paralleler LFS-Uploads
	UploadConcurrency = Uint("DELTA_UPLOAD_CONCURRENCY", 4)

	// DownloadConcurrency ist die Anzahl paralleler Datei-Downloads
	DownloadConcurrency = Uint("DELTA_DOWNLOAD_CONCURRENCY", 4)

	// Offline verhindert Netzwerkzugriffe; Hub-IDs werden nur aus dem Cache aufgeloest
	Offline = Bool("HF_HUB_OFFLINE")
)
