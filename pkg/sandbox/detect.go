package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jxucoder/forgeline/pkg/model"
)

// manifestFiles are the files whose change requires a fresh install.
var manifestFiles = []string{
	"package.json",
	"package-lock.json",
	"pnpm-lock.yaml",
	"yarn.lock",
	"bun.lockb",
	"bun.lock",
	"requirements.txt",
	"pyproject.toml",
	"go.mod",
	"go.sum",
	"Cargo.toml",
	"Cargo.lock",
}

// IsManifest reports whether p is a dependency manifest or lockfile.
func IsManifest(p string) bool {
	for _, m := range manifestFiles {
		if p == m {
			return true
		}
	}
	return false
}

// DetectProfile returns how to install and run a project based on which
// files exist. An empty snapshot yields an unknown profile.
func DetectProfile(files map[string]string) model.SandboxProfile {
	has := func(p string) bool { _, ok := files[p]; return ok }

	switch {
	case has("package.json"):
		return detectNode(files)
	case has("requirements.txt") || has("pyproject.toml") || has("manage.py"):
		return detectPython(files)
	case has("go.mod"):
		return model.SandboxProfile{
			Framework: "go", PackageManager: "go",
			InstallCommand: "go mod download", StartCommand: "go run .", Port: 8080,
		}
	case has("Cargo.toml"):
		return model.SandboxProfile{
			Framework: "rust", PackageManager: "cargo",
			InstallCommand: "cargo fetch", StartCommand: "cargo run", Port: 8080,
		}
	case has("index.html"):
		return model.SandboxProfile{
			Framework: "static", PackageManager: "none",
			StartCommand: "python3 -m http.server 8080 --bind 0.0.0.0", Port: 8080,
		}
	}
	return model.SandboxProfile{}
}

var pmExec = map[string]string{
	"npm":  "npx",
	"pnpm": "pnpm exec",
	"yarn": "yarn",
	"bun":  "bunx",
}

func detectNode(files map[string]string) model.SandboxProfile {
	has := func(p string) bool { _, ok := files[p]; return ok }

	pm := "npm"
	switch {
	case has("pnpm-lock.yaml"):
		pm = "pnpm"
	case has("yarn.lock"):
		pm = "yarn"
	case has("bun.lockb") || has("bun.lock"):
		pm = "bun"
	}

	var pkg struct {
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	_ = json.Unmarshal([]byte(files["package.json"]), &pkg)
	dep := func(name string) bool {
		_, a := pkg.Dependencies[name]
		_, b := pkg.DevDependencies[name]
		return a || b
	}

	p := model.SandboxProfile{PackageManager: pm, InstallCommand: pm + " install"}
	exec := pmExec[pm]
	switch {
	case dep("next"):
		p.Framework, p.Port = "next", 3000
		p.StartCommand = exec + " next dev -H 0.0.0.0 -p 3000"
	case dep("vite"):
		p.Framework, p.Port = "vite", 5173
		p.StartCommand = exec + " vite --host 0.0.0.0 --port 5173"
	case dep("react-scripts"):
		p.Framework, p.Port = "cra", 3000
		p.StartCommand = "BROWSER=none HOST=0.0.0.0 PORT=3000 " + exec + " react-scripts start"
	default:
		p.Framework, p.Port = "node", 3000
		switch {
		case pkg.Scripts["dev"] != "":
			p.StartCommand = "PORT=3000 " + pm + " run dev"
		case pkg.Scripts["start"] != "":
			p.StartCommand = "PORT=3000 " + pm + " start"
		default:
			p.StartCommand = "PORT=3000 node " + nodeEntry(files)
		}
	}
	return p
}

func nodeEntry(files map[string]string) string {
	for _, c := range []string{"server.js", "index.js", "app.js", "main.js", "src/index.js"} {
		if _, ok := files[c]; ok {
			return c
		}
	}
	return "index.js"
}

func detectPython(files map[string]string) model.SandboxProfile {
	has := func(p string) bool { _, ok := files[p]; return ok }
	reqs := strings.ToLower(files["requirements.txt"] + "\n" + files["pyproject.toml"])

	p := model.SandboxProfile{PackageManager: "pip"}
	switch {
	case has("requirements.txt"):
		p.InstallCommand = "pip install -r requirements.txt"
	case has("pyproject.toml"):
		p.InstallCommand = "pip install ."
	}

	entry := "main"
	for _, c := range []string{"app.py", "main.py", "server.py"} {
		if has(c) {
			entry = strings.TrimSuffix(c, ".py")
			break
		}
	}

	switch {
	case has("manage.py") || strings.Contains(reqs, "django"):
		p.Framework, p.Port = "django", 8000
		p.StartCommand = "python manage.py runserver 0.0.0.0:8000"
	case strings.Contains(reqs, "fastapi"):
		p.Framework, p.Port = "fastapi", 8000
		p.StartCommand = fmt.Sprintf("python -m uvicorn %s:app --host 0.0.0.0 --port 8000 --reload", entry)
	case strings.Contains(reqs, "flask"):
		p.Framework, p.Port = "flask", 5000
		p.StartCommand = fmt.Sprintf("python -m flask --app %s run --host 0.0.0.0 --port 5000 --debug", entry)
	default:
		p.Framework, p.Port = "python", 8000
		p.StartCommand = "python " + entry + ".py"
	}
	return p
}
