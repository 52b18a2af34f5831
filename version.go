package iotmqtt

// Version is the library version reported in AWS IoT metrics.
const Version = "1.0.0"
