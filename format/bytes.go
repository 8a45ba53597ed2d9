package format

import "fmt"

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000

	KibiByte = Byte * 1024
	MebiByte = KibiByte * 1024
	GibiByte = MebiByte * 1024
)

var (
	decimal = []unit{{GigaByte, " GB"}, {MegaByte, " MB"}, {KiloByte, " KB"}}
	binary  = []unit{{GibiByte, " GiB"}, {MebiByte, " MiB"}, {KibiByte, " KiB"}}
)

// HumanBytes formats download sizes in decimal units.
func HumanBytes(b int64) string {
	return humanBytes(b, decimal)
}

// HumanMemory formats resident memory in binary units, matching how the
// memory limit is configured.
func HumanMemory(b int64) string {
	return humanBytes(b, binary)
}

func humanBytes(b int64, units []unit) string {
	v, suffix, ok := scale(float64(b), units)
	if !ok {
		return fmt.Sprintf("%d B", b)
	}
	return fmt.Sprintf("%.1f%s", v, suffix)
}
