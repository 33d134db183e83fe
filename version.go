// Copyright © 2021 Kris Nóva <kris@nivenly.com>
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
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ████████╗██╗    ██╗██╗███╗   ██╗██╗  ██╗
//  ╚══██╔══╝██║    ██║██║████╗  ██║╚██╗██╔╝
//     ██║   ██║ █╗ ██║██║██╔██╗ ██║ ╚███╔╝
//     ██║   ██║███╗██║██║██║╚██╗██║ ██╔██╗
//     ██║   ╚███╔███╔╝██║██║ ╚████║██╔╝ ██╗
//     ╚═╝    ╚══╝╚══╝ ╚═╝╚═╝  ╚═══╝╚═╝  ╚═╝
//
// ────────────────────────────────────────────────────────────────────────────

// Package relay holds the version, banner and configuration of the relay
// binary. The media plumbing lives in the pool, chunk, live and rtmp
// packages.
package relay

import (
	"fmt"

	"github.com/fatih/color"
)

// Version is set at compile time in the associated Makefile
// Do not change this!
var Version string = "dev"

// CompileFlagPrintBanner will enable/disable the banner for the program.
var CompileFlagPrintBanner bool = true

func PrintBanner() {
	if CompileFlagPrintBanner {
		fmt.Print(Banner())
	}
}

func Banner() string {
	art := color.New(color.FgCyan, color.Bold).SprintFunc()
	var str string
	str += fmt.Sprintf("\n")
	str += fmt.Sprintf("┌───────────────────────────────────────────┐\n")
	str += fmt.Sprintf("│                                           │\n")
	str += fmt.Sprintf("│ %s │\n", art("██████╗ ███████╗██╗      █████╗ ██╗   ██╗"))
	str += fmt.Sprintf("│ %s │\n", art("██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝"))
	str += fmt.Sprintf("│ %s │\n", art("██████╔╝█████╗  ██║     ███████║ ╚████╔╝ "))
	str += fmt.Sprintf("│ %s │\n", art("██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝  "))
	str += fmt.Sprintf("│ %s │\n", art("██║  ██║███████╗███████╗██║  ██║   ██║   "))
	str += fmt.Sprintf("│ %s │\n", art("╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝   "))
	str += fmt.Sprintf("│      A live media relay for RTMP.         │\n")
	str += fmt.Sprintf("│      Version: %-27s │\n", Version)
	str += fmt.Sprintf("└───────────────────────────────────────────┘\n")
	str += fmt.Sprintf("\n")
	return str
}
