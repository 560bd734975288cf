// Package textutils provides shared string and rune constants used across
// the module to avoid repeating string literals for common separators and
// punctuation.
package textutils

const (
	EmptyStr        = ""
	WhiteSpaceStr   = " "
	ForwardSlashStr = "/"
	PeriodStr       = "."
	ColonStr        = ":"
	SemiColonStr    = ";"
	EqualStr        = "="
	CloseBraceStr   = "}"
	OpenBraceStr    = "{"
	NewLineString   = "\n"
	CommaStr        = ","

	ForwardSlashChar = '/'
	PeriodChar       = '.'
	ColonChar        = ':'
	EqualChar        = '='
	HashChar         = '#'
	DollarChar       = '$'
	BackSlashChar    = '\\'
	OpenBraceChar    = '{'
	CloseBraceChar   = '}'

	ALowerChar = 'a'
	ZLowerChar = 'z'
	AUpperChar = 'A'
	ZUpperChar = 'Z'
)
