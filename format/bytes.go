// bytes.go - Formatierung von Byte-Groessen
package format

import "fmt"

// HumanBytes formatiert eine Byte-Anzahl mit dezimalen Einheiten
func HumanBytes(b int64) string {
	const (
		kb = 1000
		mb = 1000 * kb
		gb = 1000 * mb
		tb = 1000 * gb
	)

	var value float64
	var unit string
	switch {
	case b >= tb:
		value, unit = float64(b)/tb, "TB"
	case b >= gb:
		value, unit = float64(b)/gb, "GB"
	case b >= mb:
		value, unit = float64(b)/mb, "MB"
	case b >= kb:
		value, unit = float64(b)/kb, "KB"
	default:
		return fmt.Sprintf("%d B", b)
	}

	switch {
	case value >= 100:
		return fmt.Sprintf("%d %s", int(value), unit)
	case value >= 10:
		return fmt.Sprintf("%.1f %s", value, unit)
	default:
		return fmt.Sprintf("%.2f %s", value, unit)
	}
}
