package validation

// ValidMCPMethods whitelists the methods this server accepts (§6). Unknown
// methods are rejected with ErrCodeMethodNotFound before the dispatcher
// sees them.
var ValidMCPMethods = map[string]bool{
	"initialize":      true,
	"list_tools":      true,
	"call_tool":       true,
	"auth":            true,
	"$/cancelRequest": true,
	"ping":            true,
}

// IsValidMCPMethod reports whether method is one this server accepts.
// Method names are case-sensitive.
func IsValidMCPMethod(method string) bool {
	return ValidMCPMethods[method]
}
