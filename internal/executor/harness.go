package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// harnessFile is the name of the runner script placed in each sandbox
// workspace. User stdout is redirected to stderr so the result envelope on
// real stdout stays parseable.
const harnessFile = "_harness.py"

// bareValueKey wraps a non-dict return value so it can travel in the result
// envelope; the executor maps it onto the node's single output port.
const bareValueKey = "__value__"

const harnessSource = `import contextlib
import importlib.util
import json
import sys
import traceback


def _load(path):
    spec = importlib.util.spec_from_file_location("skein_node", path)
    mod = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(mod)
    return mod


def main():
    req = json.load(sys.stdin)
    script = req["script"]
    entry = req.get("entry") or "main"
    inputs = req.get("inputs") or {}
    try:
        with contextlib.redirect_stdout(sys.stderr):
            mod = _load(script)
            fn = getattr(mod, entry, None)
            if fn is None:
                raise AttributeError("entry function %r not found" % entry)
            outputs = fn(**inputs)
        if outputs is None:
            outputs = {}
        if not isinstance(outputs, dict):
            outputs = {"__value__": outputs}
        json.dump({"ok": True, "outputs": outputs}, sys.stdout)
    except Exception as exc:
        json.dump({
            "ok": False,
            "error": {
                "message": "%s: %s" % (type(exc).__name__, exc),
                "traceback": traceback.format_exc(),
            },
        }, sys.stdout)


if __name__ == "__main__":
    main()
`

// harnessRequest is the envelope written to the harness on stdin.
type harnessRequest struct {
	Script string         `json:"script"`
	Entry  string         `json:"entry"`
	Inputs map[string]any `json:"inputs"`
}

// harnessResponse is the envelope the harness writes on stdout.
type harnessResponse struct {
	OK      bool           `json:"ok"`
	Outputs map[string]any `json:"outputs"`
	Error   *harnessError  `json:"error"`
}

type harnessError struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// materializeHarness writes the harness into the sandbox work dir if it is
// not already there.
func materializeHarness(workDir string) (string, error) {
	path := filepath.Join(workDir, harnessFile)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(harnessSource), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// materializeScript writes the node's script into the sandbox work dir,
// content-addressed so repeated executions of the same definition reuse it.
func materializeScript(workDir, script string) (string, error) {
	sum := sha256.Sum256([]byte(script))
	path := filepath.Join(workDir, "node_"+hex.EncodeToString(sum[:8])+".py")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
