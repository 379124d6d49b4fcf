package geometry

var CheckQuality = checkQuality
