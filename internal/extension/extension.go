// Copyright 2024 Google LLC
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

// Package extension maps file name extensions to a coarse content class,
// used as a type hint for files in the catalog.
package extension

import (
	"strings"
)

// Class is a coarse content-type tag.
type Class string

const (
	Photo        Class = "photo"
	Audio        Class = "audio"
	Video        Class = "video"
	PDF          Class = "pdf"
	Presentation Class = "presentation"
	Spreadsheet  Class = "spreadsheet"
	Document     Class = "document"
	Archive      Class = "archive"
	Program      Class = "program"
	Misc         Class = "misc"
	Others       Class = "others"
)

// Extensions longer than this only ever match the long audio list.
const maxShortExtension = 8

type set map[string]struct{}

func newSet(exts ...string) set {
	s := make(set, len(exts))
	for _, e := range exts {
		s[e] = struct{}{}
	}
	return s
}

func (s set) has(ext string) bool {
	_, ok := s[ext]
	return ok
}

var (
	photos = newSet(
		// Common image formats.
		"bmp", "gif", "jpg", "jpeg", "png",
		"3ds", "avif", "btif", "cgm", "cmx", "djv", "djvu", "dwg", "dxf", "fbs",
		"fh", "fh4", "fh5", "fh7", "fhc", "fpx", "fst", "g3", "heic", "heif",
		"ico", "ief", "jpe", "ktx", "mdi", "mmr", "npx", "pbm", "pct", "pcx",
		"pgm", "pic", "pnm", "ppm", "psd", "ras", "rgb", "rlc", "sgi", "sid",
		"svg", "svgz", "tga", "tif", "tiff", "uvg", "uvi", "uvvg", "uvvi",
		"wbmp", "wdp", "webp", "xbm", "xif", "xpm", "xwd",
		// Camera raw formats.
		"3fr", "ari", "arq", "arw", "bay", "bmq", "cap", "ciff", "cine", "cr2",
		"cr3", "crw", "cs1", "dc2", "dcr", "dng", "drf", "dsc", "eip", "erf",
		"fff", "ia", "iiq", "k25", "kc2", "kdc", "mdc", "mef", "mos", "mrw",
		"nef", "nrw", "obm", "orf", "ori", "pef", "ptx", "pxn", "qtk", "raf",
		"raw", "rdc", "rw2", "rwl", "rwz", "sr2", "srf", "srw", "sti", "x3f")

	audios = newSet(
		"aac", "adp", "aif", "aifc", "aiff", "au", "caf", "dra", "dts", "dtshd",
		"eol", "flac", "kar", "lvp", "m2a", "m3a", "m3u", "m4a", "mid", "midi",
		"mka", "mp2", "mp2a", "mp3", "mp4a", "mpga", "oga", "ogg", "pya", "ra",
		"ram", "rip", "rmi", "rmp", "s3m", "sil", "snd", "spx", "uva", "uvva",
		"wav", "wax", "weba", "wma", "xm")

	longAudios = newSet("ecelp4800", "ecelp7470", "ecelp9600")

	videos = newSet(
		"3g2", "3gp", "asf", "asx", "avi", "dvb", "f4v", "fli", "flv", "fvt",
		"h261", "h263", "h264", "jpgm", "jpgv", "jpm", "m1v", "m2v", "m4u",
		"m4v", "mj2", "mjp2", "mk3d", "mks", "mkv", "mng", "mov", "movie",
		"mp4", "mp4v", "mpe", "mpeg", "mpg", "mpg4", "mxu", "ogv", "pyv", "qt",
		"smv", "uvh", "uvm", "uvp", "uvs", "uvu", "uvv", "uvvh", "uvvm", "uvvp",
		"uvvs", "uvvu", "uvvv", "viv", "vob", "webm", "wm", "wmv", "wmx", "wvx")

	pdfs = newSet("pdf")

	presentations = newSet(
		"odc", "odp", "otc", "otp", "pot", "potx", "pps", "ppsx", "ppt", "pptx",
		"sldx")

	spreadsheets = newSet("csv", "ods", "xls", "xlsm", "xlsx")

	documents = newSet(
		"abw", "doc", "docm", "docx", "dot", "dotm", "dotx", "odt", "sxc", "sxd",
		"sxi", "text", "tsv", "ttl", "txt", "org")

	archives = newSet("7z", "ace", "bz2", "gz", "rar", "tar", "zip")

	programs = newSet("apk", "bat", "com", "deb", "exe", "msi", "sh")

	miscs = newSet("csv", "json", "log", "otf", "ttf")
)

// Classes are checked in this order; the first match wins. "csv" is both a
// spreadsheet and a misc extension and resolves to Spreadsheet.
var ordered = []struct {
	class Class
	exts  set
}{
	{Photo, photos},
	{Audio, audios},
	{Video, videos},
	{PDF, pdfs},
	{Presentation, presentations},
	{Spreadsheet, spreadsheets},
	{Document, documents},
	{Archive, archives},
	{Program, programs},
	{Misc, miscs},
}

// Of returns the lower-cased extension of name (without the dot), and false
// if name has no dot.
func Of(name string) (string, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", false
	}
	return strings.ToLower(name[i+1:]), true
}

// ClassifyExtension returns the class of a lower-cased extension.
func ClassifyExtension(ext string) Class {
	if len(ext) > maxShortExtension {
		if longAudios.has(ext) {
			return Audio
		}
		return Others
	}

	for _, c := range ordered {
		if c.exts.has(ext) {
			return c.class
		}
	}
	return Others
}

// Classify returns the class of a file name.
func Classify(name string) Class {
	ext, ok := Of(name)
	if !ok {
		return Others
	}
	return ClassifyExtension(ext)
}
