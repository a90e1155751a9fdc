package uifmt

import (
	"fmt"
)

func Ratio(used, total int64) string {
	return fmt.Sprintf("%d/%d", used, total)
}

func Percent(v float64, ok bool) string {
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", v)
}

func MemMB(v int64) string {
	if v >= 1024*1024 {
		return fmt.Sprintf("%.1fT", float64(v)/1024.0/1024.0)
	}
	if v >= 1024 {
		return fmt.Sprintf("%.1fG", float64(v)/1024.0)
	}
	return fmt.Sprintf("%dM", v)
}

// Minutes renders a minute count as "3d4h", "5h12m" or "42m".
func Minutes(m int64) string {
	if m < 0 {
		m = 0
	}
	days, hours, mins := m/1440, (m%1440)/60, m%60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}
