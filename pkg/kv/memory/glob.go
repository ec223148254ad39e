package memory

// globMatch reports whether key matches a Redis SCAN MATCH pattern.
// Unlike path.Match, '*' and '?' also match '/'. Supported syntax is
// '*', '?', '[abc]', '[^abc]', '[a-z]' and '\' escapes.
func globMatch(pattern, key string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for idx := 0; idx <= len(key); idx++ {
				if globMatch(pattern[1:], key[idx:]) {
					return true
				}
			}
			return false
		case '?':
			if len(key) == 0 {
				return false
			}
			key = key[1:]
			pattern = pattern[1:]
		case '[':
			if len(key) == 0 {
				return false
			}
			matched, rest := matchClass(pattern[1:], key[0])
			if !matched {
				return false
			}
			key = key[1:]
			pattern = rest
		default:
			if pattern[0] == '\\' && len(pattern) > 1 {
				pattern = pattern[1:]
			}
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
			key = key[1:]
			pattern = pattern[1:]
		}
	}
	return len(key) == 0
}

// matchClass matches c against the bracket expression that starts right
// after '[' and returns the pattern following the closing ']'. An unclosed
// class extends to the end of the pattern.
func matchClass(pattern string, c byte) (bool, string) {
	negate := false
	if len(pattern) > 0 && pattern[0] == '^' {
		negate = true
		pattern = pattern[1:]
	}
	matched := false
	for len(pattern) > 0 && pattern[0] != ']' {
		switch {
		case pattern[0] == '\\' && len(pattern) > 1:
			if pattern[1] == c {
				matched = true
			}
			pattern = pattern[2:]
		case len(pattern) > 2 && pattern[1] == '-' && pattern[2] != ']':
			lo, hi := pattern[0], pattern[2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			pattern = pattern[3:]
		default:
			if pattern[0] == c {
				matched = true
			}
			pattern = pattern[1:]
		}
	}
	if len(pattern) > 0 {
		pattern = pattern[1:]
	}
	return matched != negate, pattern
}
