package domain

// Tally counts answers per option. Index i of the result is the number of
// answers that chose option i. Answers whose index falls outside
// [0, optionCount) are ignored.
func Tally(optionCount int, answers map[string]Answer) []int {
	if optionCount < 0 {
		optionCount = 0
	}
	results := make([]int, optionCount)
	for _, answer := range answers {
		if answer.OptionIndex < 0 || answer.OptionIndex >= optionCount {
			continue
		}
		results[answer.OptionIndex]++
	}
	return results
}
