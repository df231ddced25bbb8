/*
 * Pulse
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package activity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionFingerprint derives the stable key grouping one actor's burst
// of events in one project. Events recorded within the same window
// bucket share the fingerprint; the aggregator's quiescence gate, not
// the bucket boundary, decides when the session is folded.
func SessionFingerprint(actor, project uuid.UUID, now time.Time, window time.Duration) string {
	bucket := now.Unix() / int64(window/time.Second)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", actor, project, bucket))
	return hex.EncodeToString(sum[:])[:32]
}
