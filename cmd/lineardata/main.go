package main

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/randomouscrap98/x0xflash/avrprog"
)

// Writes an easy to recognize test image: constantly increasing values, with
// every Nth page left blank so the skip path gets exercised on real hardware.
func main() {
	if len(os.Args) < 3 || len(os.Args) > 4 {
		log.Println("Usage: go run main.go <filename.hex> <length> [blankevery]")
		return
	}

	length, err := strconv.Atoi(os.Args[2])
	if err != nil || length <= 0 {
		log.Fatalln("Can't parse length: ", os.Args[2])
	}

	blankEvery := 0
	if len(os.Args) == 4 {
		blankEvery, err = strconv.Atoi(os.Args[3])
		if err != nil || blankEvery < 0 {
			log.Fatalln("Can't parse blank page interval: ", os.Args[3])
		}
	}

	pageSize := avrprog.ATmega162.FlashPageSize
	data := make([]byte, length)
	for i := 0; i < length; i++ {
		if blankEvery > 0 && (i/pageSize)%blankEvery == blankEvery-1 {
			data[i] = avrprog.BlankByte
		} else {
			data[i] = uint8(i & 0xFF)
		}
	}

	filename := os.Args[1]
	file, err := os.Create(filename)
	if err != nil {
		log.Fatalln("Error opening file: ", err)
	}
	defer file.Close()

	err = avrprog.ImageToHex(data, file)
	if err != nil {
		log.Fatalln("Error writing file: ", err)
	}

	info := avrprog.AnalyzeImage(data, pageSize)
	log.Printf("Wrote %s: %d bytes, %d pages (%d blank)\n", filename, info.Length, info.Pages, info.BlankPages)
}
