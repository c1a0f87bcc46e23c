package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError rejects a question before any upstream call is made. The
// message is user-facing and rendered inside the advisor's notice.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Message
}

const (
	minInputRunes = 2
	maxInputRunes = 2000
)

// Character-combination patterns that never form a real question.
var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^[a-z]{1,3}$`),
	regexp.MustCompile(`^[0-9]+$`),
	regexp.MustCompile(`^[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?]+$`),
	regexp.MustCompile(`(?i)^[aeiou]{5,}$`),
	regexp.MustCompile(`(?i)^[bcdfghjklmnpqrstvwxyz]{5,}$`),
	regexp.MustCompile(`(?i)^[qwertyuiop]+$`),
	regexp.MustCompile(`(?i)^[asdfghjkl]+$`),
	regexp.MustCompile(`(?i)^[zxcvbnm]+$`),
	regexp.MustCompile(`(?i)^[a-z]\s*[a-z]\s*[a-z]$`),
	regexp.MustCompile(`^[0-9]\s*[0-9]\s*[0-9]$`),
	regexp.MustCompile(`^[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?]{3,}$`),
}

// Greetings and probes that are not worth an upstream round trip when the
// whole input is that short.
var testPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^测试`),
	regexp.MustCompile(`(?i)^test`),
	regexp.MustCompile(`(?i)^hello`),
	regexp.MustCompile(`(?i)^hi`),
	regexp.MustCompile(`^你好`),
	regexp.MustCompile(`^在吗`),
	regexp.MustCompile(`^有人吗`),
	regexp.MustCompile(`^123`),
	regexp.MustCompile(`(?i)^abc`),
}

var meaningfulRune = regexp.MustCompile(`[a-zA-Z\x{4e00}-\x{9fa5}]`)

// ValidateInput screens a question before submission. It returns nil for
// acceptable input and a *ValidationError with a user-facing Chinese message
// otherwise.
func ValidateInput(input string) error {
	trimmed := strings.TrimSpace(input)

	if trimmed == "" {
		return &ValidationError{Message: "请输入您的问题"}
	}

	length := utf8.RuneCountInString(trimmed)
	if length < minInputRunes {
		return &ValidationError{Message: "请输入至少2个字符的问题"}
	}
	if length > maxInputRunes {
		return &ValidationError{Message: "输入内容过长，请控制在2000字符以内"}
	}

	if !meaningfulRune.MatchString(trimmed) {
		return &ValidationError{Message: "请输入有意义的问题，不能只包含特殊字符或数字"}
	}

	for _, pattern := range spamPatterns {
		if pattern.MatchString(trimmed) {
			return &ValidationError{Message: "请输入有意义的问题，避免无意义的字符组合"}
		}
	}
	// RE2 has no backreferences, so the repeated-character rule is code.
	if isRepeatedRune(trimmed, 6) {
		return &ValidationError{Message: "请输入有意义的问题，避免无意义的字符组合"}
	}

	if message := checkRepetition(trimmed); message != "" {
		return &ValidationError{Message: message}
	}

	for _, pattern := range testPatterns {
		if pattern.MatchString(trimmed) && length < 10 {
			return &ValidationError{Message: "请提出具体的问题，而不是简单的测试内容"}
		}
	}

	return nil
}

// isRepeatedRune reports input made of one rune repeated at least limit
// times, like "aaaaaa" or "！！！！！！".
func isRepeatedRune(input string, limit int) bool {
	var first rune
	count := 0
	for index, r := range input {
		if index == 0 {
			first = r
		} else if r != first {
			return false
		}
		count++
	}
	return count >= limit
}

var phraseSeparators = regexp.MustCompile(`[，。！？；：]`)

// checkRepetition flags inputs dominated by one word or built from the same
// sentence pasted twice.
func checkRepetition(input string) string {
	words := strings.Fields(input)
	if len(words) > 3 {
		counts := make(map[string]int, len(words))
		max := 0
		for _, word := range words {
			counts[word]++
			if counts[word] > max {
				max = counts[word]
			}
		}
		if float64(max) > float64(len(words))*0.6 {
			return "请避免重复使用相同的词汇"
		}
	}

	phrases := phraseSeparators.Split(input, -1)
	if len(phrases) > 1 {
		counts := make(map[string]int, len(phrases))
		for _, phrase := range phrases {
			clean := strings.TrimSpace(phrase)
			if utf8.RuneCountInString(clean) > 2 {
				counts[clean]++
				if counts[clean] > 1 {
					return "请避免重复输入相同的句子"
				}
			}
		}
	}

	return ""
}
