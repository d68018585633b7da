package prompt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SystemInstruction is the fixed system message sent with every generation.
const SystemInstruction = "You are a machine that only generates legal documents formatted in valid HTML. " +
	"You must not include any commentary, code fences, or any text outside of the HTML document itself. " +
	"Your response must start directly with an `<h1>` tag and end with the final closing tag. " +
	"Do not wrap the document in quotes. " +
	"Size the content to a single fixed-format PDF page, kept inside a border on that page."

// Humanize turns a camelCase field key into a display label:
// a space goes before every internal capital letter and the first
// character is upper-cased ("landlordName" -> "Landlord Name").
func Humanize(key string) string {
	if key == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(key) + 4)
	for i, r := range key {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	out := b.String()
	first, size := utf8.DecodeRuneInString(out)
	return string(unicode.ToUpper(first)) + out[size:]
}

// Details renders every non-empty field as "- Label: value", one per line,
// in record order. Values are not escaped.
func Details(rec FieldRecord) string {
	var b strings.Builder
	for _, f := range rec.fields {
		if f.Value == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(Humanize(f.Key))
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteByte('\n')
	}
	return b.String()
}

// Assemble builds the instruction text for a document titled title.
func Assemble(title string, rec FieldRecord) string {
	q := `"` + title + `"`

	var b strings.Builder
	b.WriteString("**TASK:** Generate a complete, formal, and legally comprehensive " + q + ".\n\n")
	b.WriteString("**CONTEXT:** You are an AI legal assistant. Your only goal is to produce a full document, not a summary.\n\n")
	b.WriteString("**CRITICAL INSTRUCTIONS:**\n")
	b.WriteString("1. **USE A FULL TEMPLATE:** You MUST generate a standard, industry-complete template for a " + q +
		". This includes all common sections like \"Parties\", \"Term\", \"Payment\", \"Governing Law\", \"Signatures\", etc.\n")
	b.WriteString("2. **INSERT DETAILS:** After creating the full template, you MUST insert the following user-provided details into the correct places.\n")
	b.WriteString("3. **DO NOT SUMMARIZE:** Under no circumstances should you summarize the details. You must embed them within the full legal text.\n")
	b.WriteString("4. **OUTPUT HTML ONLY:** The final output must be ONLY the complete document formatted in clean HTML, with no commentary.\n")
	b.WriteString("5. **DO NOT USE SHORTCUTS:** Always generate the full content of the document. The content must be as professional as possible.\n")
	b.WriteString("6. **KEEP IT PROFESSIONAL:** The content must not be short like a summary.\n")
	b.WriteString("7. **KEEP THE BORDER:** The content must sit inside a border with a proper left-to-right layout. Never place content randomly at the center.\n\n")
	b.WriteString("**DETAILS TO INSERT:**\n")
	b.WriteString(Details(rec))
	return b.String()
}
