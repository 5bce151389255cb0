package runner

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

// DefaultSelector locates the challenge widget when the task names none.
const DefaultSelector = "div.cf-turnstile"

// ResponseSelector is the hidden input the widget fills with its token.
const ResponseSelector = "[name=cf-turnstile-response]"

// ChallengeWidth is applied to the widget before interaction.
const ChallengeWidth = "70px"

var challengePage = template.Must(template.New("challenge").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Turnstile Solver</title>
    <script src="https://challenges.cloudflare.com/turnstile/v0/api.js" async></script>
    <script>
        async function fetchIP() {
            try {
                const response = await fetch('https://api64.ipify.org?format=json');
                const data = await response.json();
                document.getElementById('ip-display').innerText = 'Your IP: ' + data.ip;
            } catch (error) {
                console.error('Error fetching IP:', error);
                document.getElementById('ip-display').innerText = 'Failed to fetch IP';
            }
        }
        window.onload = fetchIP;
    </script>
</head>
<body>
    <div class="cf-turnstile" style="background: white;" data-sitekey="{{.SiteKey}}"
        {{- with .Action}} data-action="{{.}}"{{end}}
        {{- with .CData}} data-cdata="{{.}}"{{end}}></div>
    <p id="ip-display">Fetching your IP...</p>
</body>
</html>
`))

// RenderPage builds the page served in place of the target URL.
func RenderPage(task solver.Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := challengePage.Execute(&buf, task); err != nil {
		return nil, fmt.Errorf("render challenge page: %w", err)
	}
	return buf.Bytes(), nil
}

// NormalizeURL appends the trailing slash the interception is keyed on.
func NormalizeURL(raw string) string {
	if strings.HasSuffix(raw, "/") {
		return raw
	}
	return raw + "/"
}

func selectorFor(task solver.Task) string {
	if s := strings.TrimSpace(task.Selector); s != "" {
		return s
	}
	return DefaultSelector
}
