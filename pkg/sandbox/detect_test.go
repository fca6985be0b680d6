package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectProfile(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		framework string
		pm        string
		install   string
		port      int
	}{
		{
			name:      "empty",
			files:     map[string]string{},
			framework: "",
		},
		{
			name:      "vite with pnpm",
			files:     map[string]string{"package.json": `{"devDependencies":{"vite":"^5"}}`, "pnpm-lock.yaml": ""},
			framework: "vite", pm: "pnpm", install: "pnpm install", port: 5173,
		},
		{
			name:      "next with yarn",
			files:     map[string]string{"package.json": `{"dependencies":{"next":"14"}}`, "yarn.lock": ""},
			framework: "next", pm: "yarn", install: "yarn install", port: 3000,
		},
		{
			name:      "create react app",
			files:     map[string]string{"package.json": `{"dependencies":{"react-scripts":"5"}}`},
			framework: "cra", pm: "npm", install: "npm install", port: 3000,
		},
		{
			name:      "plain node with bun",
			files:     map[string]string{"package.json": `{"scripts":{"start":"node server.js"}}`, "bun.lockb": ""},
			framework: "node", pm: "bun", install: "bun install", port: 3000,
		},
		{
			name:      "fastapi",
			files:     map[string]string{"requirements.txt": "fastapi\nuvicorn\n", "main.py": ""},
			framework: "fastapi", pm: "pip", install: "pip install -r requirements.txt", port: 8000,
		},
		{
			name:      "flask",
			files:     map[string]string{"requirements.txt": "Flask==3.0\n", "app.py": ""},
			framework: "flask", pm: "pip", install: "pip install -r requirements.txt", port: 5000,
		},
		{
			name:      "django",
			files:     map[string]string{"manage.py": "", "requirements.txt": "django\n"},
			framework: "django", pm: "pip", install: "pip install -r requirements.txt", port: 8000,
		},
		{
			name:      "go",
			files:     map[string]string{"go.mod": "module x", "main.go": ""},
			framework: "go", pm: "go", install: "go mod download", port: 8080,
		},
		{
			name:      "rust",
			files:     map[string]string{"Cargo.toml": ""},
			framework: "rust", pm: "cargo", install: "cargo fetch", port: 8080,
		},
		{
			name:      "static",
			files:     map[string]string{"index.html": "<h1>hi</h1>"},
			framework: "static", pm: "none", port: 8080,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DetectProfile(tt.files)
			assert.Equal(t, tt.framework, p.Framework)
			assert.Equal(t, tt.pm, p.PackageManager)
			assert.Equal(t, tt.install, p.InstallCommand)
			assert.Equal(t, tt.port, p.Port)
			if tt.framework != "" {
				assert.NotEmpty(t, p.StartCommand)
			}
		})
	}
}

func TestDetectFlaskEntry(t *testing.T) {
	p := DetectProfile(map[string]string{"requirements.txt": "flask", "server.py": ""})
	assert.Contains(t, p.StartCommand, "--app server")
}

func TestIsManifest(t *testing.T) {
	assert.True(t, IsManifest("package.json"))
	assert.True(t, IsManifest("requirements.txt"))
	assert.False(t, IsManifest("src/package.json"))
	assert.False(t, IsManifest("index.html"))
}

func TestUnavailableErrorMatches(t *testing.T) {
	err := &UnavailableError{ProjectID: "p", Attempts: 3, Err: ErrNotFound}
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "after 3 attempts")
}
