// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package metrics

import (
	"time"

	"tabletdb/util/log"
)

// LogOutput reports meter lines through the process logger.
type LogOutput struct {
	Interval time.Duration
}

func (o LogOutput) Report(line string) {
	log.Info("[metrics] %s", line)
}

func (o LogOutput) ReportInterval() time.Duration {
	if o.Interval <= 0 {
		return time.Minute
	}
	return o.Interval
}
