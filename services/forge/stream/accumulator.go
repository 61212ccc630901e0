// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the size of the mlocked buffer used to assemble
	// a final answer. 512 KB holds roughly 131k tokens at 4 bytes each,
	// which is far beyond any single generation run.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient records whether secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the probed mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// AnswerAccumulator defines the contract for assembling a final answer
// from generated fragments.
//
// # Description
//
// During a run the final stage assembles the answer piece by piece.
// The accumulator stores those fragments and hashes them incrementally
// so the finished answer carries an integrity digest. The secure
// implementation keeps the fragments in mlocked memory so partial
// answers never hit swap.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Examples
//
//	acc, err := NewAnswerAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
//	acc.Write("package main\n")
//	acc.Write("func main() {}\n")
//	answer, digest, _ := acc.Finalize()
//
// # Limitations
//
//   - Buffer size is fixed (cannot grow dynamically)
//   - Cannot be reused after Finalize() or Destroy()
type AnswerAccumulator interface {
	// Write appends a fragment. Fragments are hashed as they arrive.
	//
	// # Outputs
	//
	//   - error: Non-nil on overflow or after Destroy()/Finalize().
	Write(fragment string) error

	// Finalize returns the assembled answer and its SHA-256 digest
	// (hex encoded), then wipes the buffer. Can only be called once.
	Finalize() (answer string, digest string, err error)

	// Destroy wipes the buffer without returning data. Idempotent.
	// Use on error paths where the assembled answer is not needed.
	Destroy()

	// ID returns the accumulator's UUID for logging.
	ID() string

	// CreatedAt returns when the accumulator was created.
	CreatedAt() time.Time
}

// =============================================================================
// Structs: Secure Implementation
// =============================================================================

// secureAnswerAccumulator stores fragments in mlocked memory.
//
// # Description
//
// Uses a memguard LockedBuffer so the assembled answer is never
// swapped to disk, is guarded against overflow and underflow by guard
// pages and canaries, and is explicitly zeroed on Destroy(). A SHA-256
// hasher runs incrementally as fragments arrive.
//
// # Thread Safety
//
// Safe for concurrent use via mutex.
//
// # System Requirements
//
// Requires mlock limit >= SecureBufferSize (512 KB).
type secureAnswerAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Structs: Insecure Fallback Implementation
// =============================================================================

// insecureAnswerAccumulator is a fallback for systems without
// sufficient mlock.
//
// # Description
//
// Same interface as secureAnswerAccumulator but backed by a plain byte
// slice. Used when mlock limits are insufficient and the operator set
// SKIFF_INSECURE_MEMORY=true to acknowledge the risk.
//
// # Security Warning
//
// Data may be swapped to disk and wiping is best-effort only.
type insecureAnswerAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewAnswerAccumulator creates an accumulator for one run's answer.
//
// # Description
//
// Allocates a mlocked buffer of SecureBufferSize bytes. If the mlock
// limit is insufficient the behavior depends on SKIFF_INSECURE_MEMORY:
// when set to "true" an insecure fallback is returned with a warning,
// otherwise an error.
//
// # Outputs
//
//   - AnswerAccumulator: Ready for use (secure or insecure).
//   - error: Non-nil if allocation failed and no fallback is allowed.
func NewAnswerAccumulator() (AnswerAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return allocateSecureBuffer()
}

// newInsecureAnswerAccumulator creates the plain-memory fallback.
func newInsecureAnswerAccumulator() AnswerAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE answer accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureAnswerAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// secureAnswerAccumulator Methods
// =============================================================================

// Write appends a fragment to the secure buffer.
//
// # Description
//
// Copies fragment bytes into the mlocked buffer and updates the
// incremental hash. If the buffer would overflow, the overflow flag is
// set and the accumulator refuses further writes.
func (a *secureAnswerAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	fragmentBytes := []byte(fragment)

	if err := a.checkBufferCapacity(len(fragmentBytes)); err != nil {
		return err
	}

	a.copyToBuffer(fragmentBytes)
	a.hasher.Write(fragmentBytes)

	return nil
}

// Finalize returns the assembled answer and its digest, then wipes the
// buffer.
//
// # Outputs
//
//   - answer: Complete assembled answer (copied out of secure memory).
//   - digest: SHA-256 of the answer, hex encoded.
//   - error: Non-nil if overflow occurred or already destroyed.
func (a *secureAnswerAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateFinalizeState(); err != nil {
		return "", "", err
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeBuffer()

	slog.Debug("Finalized secure answer accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
		"digest", digest[:16]+"...",
	)

	return answer, digest, nil
}

// Destroy wipes the buffer without returning data. Idempotent.
func (a *secureAnswerAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	slog.Debug("Destroyed secure answer accumulator", "accumulator_id", a.id)
}

// ID returns the accumulator's UUID.
func (a *secureAnswerAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when the accumulator was created.
func (a *secureAnswerAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// =============================================================================
// secureAnswerAccumulator Private Methods
// =============================================================================

// validateWriteState checks the accumulator can accept writes.
func (a *secureAnswerAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - answer too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the fragment.
func (a *secureAnswerAccumulator) checkBufferCapacity(fragmentLen int) error {
	if a.offset+fragmentLen > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			fragmentLen, SecureBufferSize-a.offset)
	}
	return nil
}

// copyToBuffer copies fragment bytes into the secure buffer.
func (a *secureAnswerAccumulator) copyToBuffer(fragmentBytes []byte) {
	copy(a.buffer.Bytes()[a.offset:], fragmentBytes)
	a.offset += len(fragmentBytes)
}

// validateFinalizeState checks the accumulator can be finalized.
func (a *secureAnswerAccumulator) validateFinalizeState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return fmt.Errorf("buffer overflowed during accumulation")
	}
	return nil
}

// wipeBuffer destroys the secure buffer and marks as destroyed.
func (a *secureAnswerAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// insecureAnswerAccumulator Methods
// =============================================================================

// Write appends a fragment to the plain buffer.
func (a *insecureAnswerAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - answer too large")
	}

	fragmentBytes := []byte(fragment)
	if len(a.data)+len(fragmentBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(fragmentBytes), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, fragmentBytes...)
	a.hasher.Write(fragmentBytes)

	return nil
}

// Finalize returns the assembled answer and digest, zeroing the slice
// afterwards. Wiping is best-effort under Go's garbage collector.
func (a *insecureAnswerAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeData()

	slog.Debug("Finalized insecure answer accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
	)

	return answer, digest, nil
}

// Destroy zeros the slice (best effort). Idempotent.
func (a *insecureAnswerAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeData()
	slog.Debug("Destroyed insecure answer accumulator", "accumulator_id", a.id)
}

// ID returns the accumulator's UUID.
func (a *insecureAnswerAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when the accumulator was created.
func (a *insecureAnswerAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// wipeData zeros the data slice and marks as destroyed.
func (a *insecureAnswerAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes memguard once and probes the mlock limit.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit queries the kernel mlock resource limit.
//
// # Outputs
//
//   - bool: True if the limit covers MinMlockLimitKB.
//   - int64: Current limit in kilobytes (-1 if unlimited).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the probed mlock status once at startup.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
		return
	}

	if os.Getenv("SKIFF_INSECURE_MEMORY") == "true" {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "SKIFF_INSECURE_MEMORY=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "Raise RLIMIT_MEMLOCK or set SKIFF_INSECURE_MEMORY=true",
		)
	}
}

// handleInsufficientMlock falls back or errors depending on the
// operator override.
func handleInsufficientMlock() (AnswerAccumulator, error) {
	if os.Getenv("SKIFF_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure answer accumulator due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureAnswerAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Configure system limits or set SKIFF_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// allocateSecureBuffer allocates a fresh mlocked buffer.
func allocateSecureBuffer() (AnswerAccumulator, error) {
	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()

	slog.Debug("Created secure answer accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureAnswerAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable reports whether secure memory is available.
//
// # Outputs
//
//   - bool: True if secure memory is available.
//   - int64: Current mlock limit in KB (-1 if unlimited).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown; SIGINT/SIGTERM trigger it automatically through
// memguard.CatchInterrupt.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ AnswerAccumulator = (*secureAnswerAccumulator)(nil)
	_ AnswerAccumulator = (*insecureAnswerAccumulator)(nil)
)
