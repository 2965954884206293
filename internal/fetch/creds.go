// Copyright 2026 GVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
)

// Credential is one username/password pair for a repo URL.
type Credential struct {
	Username string
	Password string
}

// CredentialHelper yields and revokes credentials for repo URLs. The
// production implementation shells out to the external helper; tests
// substitute their own.
type CredentialHelper interface {
	// Fill returns a credential for the URL.
	Fill(ctx context.Context, repoURL string) (Credential, error)
	// Reject tells the helper a credential was refused so its cache
	// drops it before the next Fill.
	Reject(ctx context.Context, repoURL string, cred Credential) error
}

// ExecCredentialHelper drives an external helper binary speaking the
// git-credential wire format (key=value lines, blank-line terminated).
type ExecCredentialHelper struct {
	// HelperBin is the helper executable; "git" uses `git credential`.
	HelperBin string
}

// NewExecCredentialHelper returns a helper backed by `git credential`.
func NewExecCredentialHelper() *ExecCredentialHelper {
	return &ExecCredentialHelper{HelperBin: "git"}
}

func credentialInput(repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repo URL: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "protocol=%s\n", u.Scheme)
	fmt.Fprintf(&b, "host=%s\n", u.Host)
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		fmt.Fprintf(&b, "path=%s\n", p)
	}
	return b.String(), nil
}

func (h *ExecCredentialHelper) run(ctx context.Context, verb, input string) (string, error) {
	cmd := exec.CommandContext(ctx, h.HelperBin, "credential", verb)
	cmd.Stdin = strings.NewReader(input + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("credential helper %s: %v: %s", verb, err, stderr.String())
	}
	return stdout.String(), nil
}

// Fill asks the helper for a credential.
func (h *ExecCredentialHelper) Fill(ctx context.Context, repoURL string) (Credential, error) {
	input, err := credentialInput(repoURL)
	if err != nil {
		return Credential{}, err
	}
	out, err := h.run(ctx, "fill", input)
	if err != nil {
		return Credential{}, err
	}

	var cred Credential
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "username="); ok {
			cred.Username = v
		}
		if v, ok := strings.CutPrefix(line, "password="); ok {
			cred.Password = v
		}
	}
	if cred.Username == "" && cred.Password == "" {
		return Credential{}, fmt.Errorf("credential helper returned no credential for %s", repoURL)
	}
	return cred, nil
}

// Reject revokes a refused credential.
func (h *ExecCredentialHelper) Reject(ctx context.Context, repoURL string, cred Credential) error {
	input, err := credentialInput(repoURL)
	if err != nil {
		return err
	}
	input += fmt.Sprintf("username=%s\npassword=%s\n", cred.Username, cred.Password)
	_, err = h.run(ctx, "reject", input)
	return err
}
