package rules

import (
	"regexp"
	"strings"

	"github.com/aegis-siem/aegis/internal/models"
)

// commandMatch describes the first catalogue hit for a command.
type commandMatch struct {
	category string
	pattern  string
	severity models.Severity
}

type commandCategory struct {
	name     string
	severity models.Severity
	patterns []*regexp.Regexp
}

// commandCatalog is walked in order; the first matching pattern decides the
// category and severity. Scan-style nc invocations (-z) belong to recon, so
// listener/exec forms fall through to the reverse-shell category below.
var commandCatalog = []commandCategory{
	{
		name:     "data_destruction",
		severity: models.SeverityCritical,
		patterns: compile(
			`rm\s+-[a-zA-Z]*[rf][a-zA-Z]*[rf][a-zA-Z]*\s+(/|\*)`,
			`--no-preserve-root`,
			`mkfs\.\w+`,
			`dd\s+.*of=/dev/(sd|hd|nvme|vd|xvd)`,
			`\bshred\s+`,
			`\bwipefs\b`,
			`>\s*/dev/(sd|hd|nvme)`,
		),
	},
	{
		name:     "privilege_escalation",
		severity: models.SeverityHigh,
		patterns: compile(
			`sudo\s+su\b`,
			`sudo\s+-i\b`,
			`chmod\s+[ug]*\+s\b`,
			`chmod\s+4[0-7]{3}\b`,
			`usermod\s+-a?G\s+(sudo|wheel|root|admin)`,
			`\bpkexec\b`,
			`setcap\s+.*cap_setuid`,
			`>>?\s*/etc/sudoers`,
		),
	},
	{
		name:     "network_recon",
		severity: models.SeverityMedium,
		patterns: compile(
			`\bnmap\b`,
			`\bmasscan\b`,
			`\bzmap\b`,
			`\barp-scan\b`,
			`\bnikto\b`,
			`\bgobuster\b`,
			`\bdirb\s`,
			`\b(nc|ncat|netcat)\s+-[a-zA-Z]*z`,
		),
	},
	{
		name:     "data_exfiltration",
		severity: models.SeverityHigh,
		patterns: compile(
			`scp\s+\S+\s+\S*@\S+:`,
			`rsync\s+.*\s\S*@\S+:`,
			`curl\s+.*(-T\s|--upload-file|--data\s+@|-d\s+@|-F\s)`,
			`wget\s+.*--post-(file|data)`,
			`tar\s+.*\|\s*(nc|ncat|curl|ssh)\b`,
			`base64\s+.*\|\s*curl`,
		),
	},
	{
		name:     "reverse_shell",
		severity: models.SeverityCritical,
		patterns: compile(
			`\b(nc|ncat|netcat)\b.*\s-[a-zA-Z]*e\s*/bin/\w*sh`,
			`bash\s+-i\s+>&\s*/dev/tcp/`,
			`/dev/tcp/\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`,
			`python[23]?\s+-c\s+.*socket`,
			`socat\s+.*(exec|system):`,
			`perl\s+-e\s+.*socket`,
			`php\s+-r\s+.*fsockopen`,
		),
	},
	{
		name:     "crypto_mining",
		severity: models.SeverityHigh,
		patterns: compile(
			`\bxmrig\b`,
			`\bminerd\b`,
			`\bcpuminer\b`,
			`\bethminer\b`,
			`stratum\+tcp://`,
			`\bnicehash\b`,
		),
	},
	{
		name:     "persistence",
		severity: models.SeverityHigh,
		patterns: compile(
			`>>\s*\S*\.bashrc`,
			`>>\s*\S*\.ssh/authorized_keys`,
			`(echo|cat|printf)\s+.*\|\s*crontab`,
			`/etc/cron\.(d|daily|hourly|weekly)/`,
			`/etc/systemd/system/\S+\.service`,
			`/etc/rc\.local`,
			`update-rc\.d\s+`,
			`chkconfig\s+--add`,
			`launchctl\s+load`,
		),
	},
	{
		name:     "credential_access",
		severity: models.SeverityHigh,
		patterns: compile(
			`/etc/shadow`,
			`\.ssh/id_(rsa|ed25519|ecdsa|dsa)\b`,
			`\bmimikatz\b`,
			`\bhashcat\b`,
			`\bjohn\b.*\b(shadow|passwd|hash)`,
			`\.aws/credentials`,
			`security\s+dump-keychain`,
		),
	},
}

var (
	suspiciousArgumentPatterns = compile(
		`--insecure\b`,
		`--no-check-certificate`,
		`-o\s+StrictHostKeyChecking=no`,
		`history\s+-c\b`,
		`unset\s+HISTFILE`,
		`HISTSIZE=0`,
	)

	obfuscationPatterns = compile(
		`base64\s+(-d|--decode)`,
		`eval\s+.*\$\(`,
		`xxd\s+-r`,
		`\$\{IFS\}`,
		`rev\s*\|\s*\w*sh\b`,
		`\\x[0-9a-f]{2}`,
	)

	massFilePatterns = compile(
		`find\s+/\s+.*-delete`,
		`find\s+/\s+.*-exec\s+rm`,
		`chmod\s+-R\s+777\s+/`,
		`chown\s+-R\s+\S+\s+/\s*$`,
		`rm\s+-[a-zA-Z]*r[a-zA-Z]*\s+\S*\*`,
	)

	base64Token = regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`)
)

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+expr))
	}
	return out
}

// classifyCommand walks the catalogue, then the three ancillary checks.
// Returns nil for a clean command.
func classifyCommand(command string) *commandMatch {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}

	for _, cat := range commandCatalog {
		for _, re := range cat.patterns {
			if re.MatchString(command) {
				return &commandMatch{category: cat.name, pattern: re.String(), severity: cat.severity}
			}
		}
	}

	if pattern := checkSuspiciousArguments(command); pattern != "" {
		return &commandMatch{category: "suspicious_arguments", pattern: pattern, severity: models.SeverityMedium}
	}
	if pattern := checkObfuscation(command); pattern != "" {
		return &commandMatch{category: "obfuscation", pattern: pattern, severity: models.SeverityMedium}
	}
	if pattern := checkMassFileOperation(command); pattern != "" {
		return &commandMatch{category: "mass_file_operation", pattern: pattern, severity: models.SeverityMedium}
	}
	return nil
}

// checkSuspiciousArguments flags flags that disable verification or erase
// shell history.
func checkSuspiciousArguments(command string) string {
	for _, re := range suspiciousArgumentPatterns {
		if re.MatchString(command) {
			return re.String()
		}
	}
	return ""
}

// checkObfuscation flags decode-and-execute constructions and long opaque
// base64 tokens piped into a shell.
func checkObfuscation(command string) string {
	for _, re := range obfuscationPatterns {
		if re.MatchString(command) {
			return re.String()
		}
	}
	if base64Token.MatchString(command) && strings.Contains(command, "|") {
		return base64Token.String()
	}
	return ""
}

// checkMassFileOperation flags recursive destructive operations sweeping the
// filesystem root or broad wildcards.
func checkMassFileOperation(command string) string {
	for _, re := range massFilePatterns {
		if re.MatchString(command) {
			return re.String()
		}
	}
	return ""
}
