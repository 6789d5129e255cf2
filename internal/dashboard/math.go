package dashboard

// GrowthRate returns growth / max(total-growth, 1) × 100.
// The clamp keeps it finite when nothing predates the growth window.
func GrowthRate(growth, total int64) float64 {
	base := total - growth
	if base < 1 {
		base = 1
	}
	return float64(growth) * 100 / float64(base)
}

// Percent returns part / max(total, 1) × 100.
func Percent(part, total int64) float64 {
	if total < 1 {
		total = 1
	}
	return float64(part) * 100 / float64(total)
}

// Average returns sum / max(count, 1).
func Average(sum float64, count int64) float64 {
	if count < 1 {
		count = 1
	}
	return sum / float64(count)
}
