/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"sync/atomic"
)

// CertReloader serves the TLS certificate in a directory holding tls.crt and
// tls.key, picking up replacements as they are written.
type CertReloader struct {
	cert *atomic.Pointer[tls.Certificate]
}

func NewCertReloader(ctx context.Context, path string, init *tls.Certificate) (*CertReloader, error) {
	certPtr := &atomic.Pointer[tls.Certificate]{}
	certPtr.Store(init)

	err := WatchDir(ctx, "cert", path, func() error {
		cert, err := tls.LoadX509KeyPair(filepath.Join(path, "tls.crt"), filepath.Join(path, "tls.key"))
		if err != nil {
			return err
		}
		certPtr.Store(&cert)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CertReloader{cert: certPtr}, nil
}

func (r *CertReloader) Get() *tls.Certificate {
	return r.cert.Load()
}

// GetCertificate is suitable for tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.Get(), nil
}
