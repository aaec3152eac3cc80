package leads

import "strings"

const (
	maskDot   = "•"
	maskEmpty = "—"
)

// MaskEmail previews an address without revealing it: the first character,
// up to five dots, then the domain.
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return maskEmpty
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return maskEmpty
	}
	r := []rune(local)
	return string(r[0]) + strings.Repeat(maskDot, min(len(r)-1, 5)) + "@" + domain
}

// MaskPhone keeps only the last two digits.
func MaskPhone(phone string) string {
	var digits []rune
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) == 0 {
		return maskEmpty
	}
	tail := string(digits[max(len(digits)-2, 0):])
	return "+1 (•••) •••-••" + tail
}

// Masked returns a copy of l with contact details replaced by previews.
func (l Lead) Masked() Lead {
	l.Email = MaskEmail(l.Email)
	l.Phone = MaskPhone(l.Phone)
	return l
}
