package orders

var AllStatuses = allStatuses
