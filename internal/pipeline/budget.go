package pipeline

// Allocate splits a total section budget between dataset questions and
// narrative sections. Data questions are served first: data gets
// min(available, total) and narrative whatever remains. Negative inputs
// count as zero.
func Allocate(total, available int) (data, narrative int) {
	total = max(total, 0)
	available = max(available, 0)
	data = min(available, total)
	narrative = max(0, total-data)
	return data, narrative
}
